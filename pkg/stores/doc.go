// Package stores provides durable SQLite implementations of the kernel's
// persistence contracts: the runnable store, the lifecycle entity repository,
// the transition audit log and the trigger firing log. The schema is managed
// by embedded migrations. MemoryRunnableStore is an in-process alternative
// used when no database is configured.
package stores
