package graphbuilder

// qualityStandards is the fixed guidance embedded in every triplet-extraction
// prompt (spec.md §4.E point 3: "a quality-standards document, loaded once
// at start"). Kept as a package constant rather than a file on disk since
// narrative-knowledge ships no separate prompt-asset directory.
const qualityStandards = `Extraction quality standards:
- Prefer the most specific entity name mentioned in the text over a generic
  role or pronoun (e.g. "Duke Varen" over "he" or "the duke").
- A relationship_desc must be a short verb phrase describing how subject
  relates to object, not a restatement of either entity's full description.
- Only assert a fact_time or fact_time_range when the text states or clearly
  implies one; otherwise omit both and rely on temporal_context prose.
- sentiment and confidence must be chosen from their closed enums; do not
  invent new values.
- Do not extract relationships between an entity and itself.
- Every entity mentioned as a subject or object must also appear, verbatim,
  somewhere in the source text.`
