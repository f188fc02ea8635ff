// Package presence implements the replicated Namespace/Room membership
// model. Every instance holds local Room objects as caches; membership
// truth always lives in the shared store, and sibling instances learn about
// room lifecycle through id-only bus events.
package presence
