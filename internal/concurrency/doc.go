// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Worker pool used by the executing side to run compute unit commands.
// Each worker owns a bounded single-consumer queue and may be pinned to a
// CPU. Submissions are spread round-robin and never block.
package concurrency
