// Package dynadoc is a typed document-mapping layer over DynamoDB.
//
// Application code declares models with typed fields (see [schema]) and
// persists, queries and bulk-loads documents without hand-writing wire-level
// item operations. The heavy lifting is split across subpackages:
//
//   - codec: bidirectional translation between typed field values and
//     DynamoDB attribute values.
//   - conn: a thin adapter over the low-level DynamoDB client with a cached
//     table-name listing.
//   - persist: single-item create/update/delete with optimistic locking and
//     conditional-existence checks.
//   - batch: bulk import/read/delete chunked to DynamoDB's per-call limits,
//     retrying unprocessed items under a pluggable backoff strategy.
//   - query: a planner that routes a set of field constraints to an indexed
//     query or a full scan and streams decoded documents lazily.
//
// The root package holds the process-wide [Settings] shared by all of them.
package dynadoc
