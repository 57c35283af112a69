// Package interval provides genomic interval types, a reference-genome
// chromosome table, and a sorted feature index supporting overlap queries
// against bins or called peaks.
package interval
