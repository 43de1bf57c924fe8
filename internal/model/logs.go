package model

import "time"

// ErrorLog is a row of the `errorlogs` table: one ErrorEvent reported by a
// service and forwarded by the dispatcher.
//
// Fields:
//  ID         – primary key.
//  Service    – slug of the reporting service.
//  Endpoint   – endpoint that failed.
//  Error      – error text.
//  RoutingKey – key the event was published with, when known.
//  DateTime   – when the row was stored (UTC).
type ErrorLog struct {
	ID         uint64    // errorlogs.id
	Service    string    // errorlogs.service
	Endpoint   string    // errorlogs.endpoint
	Error      string    // errorlogs.error
	RoutingKey string    // errorlogs.routing_key (nullable, empty when unknown)
	DateTime   time.Time // errorlogs.date_time
}

// AccessLog is a row of the `accesslogs` table: one access attempt.
type AccessLog struct {
	ID       uint64    // accesslogs.id
	UserID   string    // accesslogs.user_id
	UserType string    // accesslogs.user_type (staff or guest)
	Action   string    // accesslogs.action
	Type     string    // accesslogs.type (Success or Failed)
	Message  string    // accesslogs.message
	DateTime time.Time // accesslogs.date_time
}
