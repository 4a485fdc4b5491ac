// Package fallback decides whether a request is answered from a mount's
// document root or handed to the dynamic upstream.
//
// Static files win: an existing regular file, or a directory with a static
// index file, is served directly and the rewrite step never runs. Everything
// else falls through to the upstream. Lookups are confined to the document
// root with os.Root, so neither dot segments nor symlinks can escape it.
package fallback
