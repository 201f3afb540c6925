// Package webhook serves HMAC-signed HTTP endpoints that call zome
// functions.
//
// Each endpoint names a cell, a zome and a function. A POST whose body
// carries a valid HMAC-SHA256 signature over the raw bytes becomes an
// invocation of that function with the body as its payload and the cell's
// own agent as provenance. The request is acknowledged with 202 Accepted
// and the invocation id once the signature checks out; the invocation
// itself runs in the background.
//
// # Configuration
//
//	webhooks:
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /hooks/github
//	      cell: notes
//	      zome: notes
//	      fn: on_push
//	      secret: ${GITHUB_WEBHOOK_SECRET}
//	      signature_header: X-Hub-Signature-256
//	      max_body_size: 1MB
//
// # Error Responses
//
//   - 400 Bad Request: body is not JSON
//   - 403 Forbidden: missing or invalid signature, with no further detail
//   - 404 Not Found: the endpoint's cell is not installed
//   - 413 Payload Too Large: body exceeds max_body_size
package webhook
