// Package report renders allocation records as the five JSON reports of an
// export run: memory_analysis, lifetime, performance, unsafe_ffi and
// complex_types.
//
// Reports are streamed. A Source hands records to Generate batch by batch,
// and the document is written while the source is being read:
//
//	{"metadata": {...}, "<section>": [...], ..., "summary": {...}}
//
// Records without a type or variable name get one inferred from their size;
// see InferTypeName and InferVarName.
package report
