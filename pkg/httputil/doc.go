// Package httputil provides JSON response helpers, request parsing and the
// request-id and access-log middleware used by the gatehouse HTTP surface.
//
//	var req CheckRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // 400 already written
//	}
//	httputil.WriteSuccess(w, resp)
package httputil
