// Package selective reads a subset of records and fields from an indexed
// allocation log.
//
// A read narrows the candidate set with the index's quick filter, decodes
// only the fields it needs in parallel batches, applies exact filters, and
// then sorts and paginates. Stream delivers the same result batch by batch.
package selective
