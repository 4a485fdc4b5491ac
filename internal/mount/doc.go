// Package mount defines subdirectory mounts and the longest-prefix path
// matcher that selects which backend application owns a request path.
//
// A Table is built once at startup and is read-only afterwards, so it can be
// shared by every request goroutine without locking.
package mount
