package watcher

// Notification is the sink side of a watch: it hears about changes to
// watched items and about watcher-level failures.
type Notification interface {
	WatcherItemDidChange(string)
	WatcherDidError(error)
}

// Notifier is the source side: add items, start delivering into a
// Notification, shut down. The config manager drives one of these and is
// itself the Notification.
type Notifier interface {
	Start(Notification)
	Add(string) error
	Shutdown()
}
