package db

// TimeLayout is how every onair table stores timestamps: UTC with
// fixed-width milliseconds, so lexical order in SQLite equals time order.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"
