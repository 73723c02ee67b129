package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// UseWriterKey makes the SQL backends serve a read from the write pool.
	// Writers that immediately read back their own change set it to get
	// read-your-writes consistency when replicas lag.
	UseWriterKey = ContextKey("use_writer")

	// RequestIDKey carries the id assigned to an HTTP request or websocket
	// connection, so log lines of one client can be correlated.
	RequestIDKey = ContextKey("request_id")
)
