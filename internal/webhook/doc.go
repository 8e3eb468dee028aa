// Package webhook is an HTTP transport for chat service adapters that cannot
// reach the Redis streams. Every request body is signed with HMAC-SHA256
// using a secret shared with the adapter.
//
// Each configured endpoint is bound to one site:
//
//	webhooks:
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /hooks/home
//	      site: home
//	      secret: ${HOME_WEBHOOK_SECRET}
//	      signature_header: X-Switchboard-Signature
//	      max_body_size: 64KB
//
// POST <path> takes a message and answers with the dispatch outcome.
// POST <path>/posted takes {"interaction_id", "posted_id"} once the chosen
// response has been delivered.
//
// Errors:
//
//   - 403 on a missing or invalid signature, with no further detail
//   - 404 for an unknown path
//   - 413 when the body exceeds max_body_size
//   - 400 for a malformed message
//   - 409 when the post was already confirmed
package webhook
