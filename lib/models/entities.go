package models

// All lists every entity for AutoMigrate.
func All() []any {
	return []any{
		&User{},
		&Campground{},
		&Scan{},
		&Availability{},
		&PollingJob{},
		&Notification{},
	}
}
