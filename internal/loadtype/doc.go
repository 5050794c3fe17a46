// Package loadtype holds the request and result types shared by the engine,
// the component registry and the default components. The root sketch package
// re-exports them.
package loadtype
