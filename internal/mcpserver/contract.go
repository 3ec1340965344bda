package mcpserver

// BatchFormatContract describes the canonical ink batch format that
// pen transports and LLM consumers must follow when submitting
// strokes, whether through the drop directory or the REST API.
const BatchFormatContract = `# Ansuz Ink Batch Format Contract

Every ink batch submitted to Ansuz MUST follow this structure.

## Structure

` + "```" + `json
{
  "page": "s3.o27.b603.p57",
  "strokes": [
    {
      "startTime": 1706000000000,
      "endTime": 1706000000450,
      "points": [[12.5, 104.0, 1706000000000], [13.1, 104.8, 1706000000040]]
    }
  ]
}
` + "```" + `

## Rules

1. **` + "`" + `page` + "`" + ` is required.** It is the notebook page key in the form
   ` + "`" + `s<section>.o<owner>.b<book>.p<page>` + "`" + `, all four parts numeric.
2. **` + "`" + `strokes` + "`" + ` is required and non-empty.** Each stroke needs a positive
   ` + "`" + `startTime` + "`" + ` (epoch milliseconds) and at least one point.
3. **Points** are ` + "`" + `[x, y, t]` + "`" + ` triples. ` + "`" + `y` + "`" + ` grows downward; the vertical
   span of a stroke is what binds it to a transcribed line, so points must
   carry real pen coordinates, not normalized ones.
4. **Stroke identity** is derived from ` + "`" + `startTime` + "`" + ` (` + "`" + `s<startTime>` + "`" + `).
   Two strokes in one page must not share a start time. Resubmitting a
   stroke with the same identity is a no-op, never a duplicate.
5. **Batches are deduplicated by content.** Submitting the exact same
   bytes twice spools nothing the second time; overlapping batches add
   only the strokes not seen before.
6. **Deletion is never implicit.** Omitting a previously submitted stroke
   from a later batch does not delete it; use the deletion API instead.

## Drop directory

- Batch files end in ` + "`" + `.json` + "`" + ` and are placed flat in the ink directory
  (subdirectories are not watched).
- Ingested files are moved to ` + "`" + `processed/` + "`" + ` (or removed, per config).
  Files that fail validation stay put for inspection.
- Ingestion only spools strokes; a reconciliation pass picks them up
  afterwards, debounced when auto-reconcile is on.

## Example

A two-stroke batch for section 3, owner 27, book 603, page 57:

` + "```" + `json
{
  "page": "s3.o27.b603.p57",
  "strokes": [
    {"startTime": 1706000001000, "endTime": 1706000001400,
     "points": [[10.0, 120.5, 1706000001000], [48.2, 131.0, 1706000001400]]},
    {"startTime": 1706000002000, "endTime": 1706000002300,
     "points": [[52.0, 122.0, 1706000002000], [90.5, 129.5, 1706000002300]]}
  ]
}
` + "```" + `
`
