// Package memory implements the hybrid vector memory engine behind Vesper.
//
// The engine keeps two long-lived structures side by side:
//   - TurnStore: the durable record of conversation turns and curated facts.
//     It is the source of truth for text, timestamps and embedding vectors.
//   - VectorIndex: an approximate-nearest-neighbor index over those vectors.
//     It is derived state, disposable and rebuildable from the store.
//
// Architecture:
//   - Embedder: text-to-vector conversion (local ONNX model or Gemini API)
//   - TurnStore: SQLite-backed record keeper (turns + facts)
//   - VectorIndex: chromem-backed ANN index, persisted per embedding epoch
//   - Manager: orchestrates the write path (embed -> store -> index), the
//     read path (context assembly, on-demand search) and fact lifecycle
//
// Failure model: the store write is never blocked by embedding or index
// failures. A turn whose embedding could not be produced is stored without a
// vector and picked up later by the reconciliation pass, so conversation text
// is never lost. The index is best-effort at write time and repaired by the
// same pass; a corrupt or stale index is discarded and replayed from the
// store at startup.
package memory
