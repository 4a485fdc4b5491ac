// Package rewrite builds the internal route sent to a mount's upstream.
//
// Every dynamic request is pointed at the mount's front controller
// (<prefix>/<script>). The rest of the client path becomes path-info, which
// travels apart from user data: either in a dedicated header, or under a
// reserved query key that the proxy owns. Path-info is never spliced into
// the query string as a bare token, where a generic "all fields" accessor
// would enumerate it as an empty form field.
package rewrite
