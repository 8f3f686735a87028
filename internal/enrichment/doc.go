// Package enrichment coordinates the AI-enrichment pipeline for tasks.
//
// Given a task, the pipeline obtains a category, a time estimate and a
// priority recommendation from the LLM gateway, persists an embedding of
// the description in the vector store, and merges the derived data back
// into the task's structured record.
//
// The pipeline owns no persistent state: it is a stateless coordinator
// invoked per task and is safe to re-run. Concurrency control is scoped
// per task identifier: the in_progress guard plus a compare-and-set status
// transition ensure at most one enrichment runs per task, and version
// checks reject stale writes when the description is edited mid-flight.
//
// The relational task record is the source of truth; the vector store is a
// derived, reconcilable cache. The two stores are not transactionally
// joined; Reconcile closes the window where the structured record is
// complete but the embedding is stale.
package enrichment
