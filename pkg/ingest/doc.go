// Package ingest provides the file ingestion and derivative-generation
// pipeline: an uploaded file is staged locally, recorded, analyzed, given
// derivative renditions and finally moved into durable storage.
//
// The Manager owns the lifecycle of a FileRecord and drives it through
// explicit states:
//
//	staged -> analyzed -> derived -> stored
//
// with deleted reachable from any state. Only the first transition happens
// inside the upload request; the rest runs in a background worker that
// receives a ProcessUploadJob carrying nothing but the file id.
//
// Collaborators (repository, storage backend, dispatcher, analyzers and the
// derivative generator) are passed in with functional options. Implementations
// live in subpackages; config.Build assembles the default wiring.
//
// Every stage after creation is safe to re-run. Jobs are delivered at least
// once and no lock prevents two workers from handling the same file, so
// Process overwrites with equivalent data and Store relies on the idempotent
// Storage.Store contract.
package ingest
