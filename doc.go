// Package alloclog converts binary allocation logs into JSON analysis reports.
//
// An allocation log is a compact binary file of allocation records (pointer,
// size, timestamps, thread, plus optional borrow, clone, smart pointer,
// layout, generic, FFI, access and lifecycle data). The Exporter turns one
// log into up to five reports: memory_analysis, lifetime, performance,
// unsafe_ffi and complex_types.
//
// # Quick Start
//
//	exp, _ := alloclog.New(alloclog.DefaultConfig())
//	defer exp.Close()
//
//	res, _ := exp.Export(ctx, "trace.bin", "out", "trace")
//	fmt.Println(res.Strategy, res.OutputFiles)
//
// # Strategies
//
// The export path is chosen by file size:
//
//	size <  SmallFileThreshold   simple     decode everything in memory
//	size <= LargeFileThreshold   indexed    cached index, parallel reports
//	size >  LargeFileThreshold   streaming  cached index, one report at a time
//
// Indexes are cached on disk (see package cache) and reused while the source
// file is unchanged. If the chosen strategy fails and recovery is enabled,
// each report is retried against a freshly built index (StrategyFallback).
//
// # Presets
//
//	alloclog.DefaultConfig()          // 150 KiB / 1 MiB thresholds
//	alloclog.PerformanceFirstConfig() // index earlier, more parallel reports
//	alloclog.MemoryEfficientConfig()  // stream early, small batches
//	alloclog.ReliabilityFirstConfig() // recovery on, longer timeout
//
// # Artifacts
//
// Reports can additionally be uploaded to a blobstore.Store:
//
//	store := blobstore.NewLocalStore("/srv/reports")
//	exp, _ := alloclog.New(cfg, alloclog.WithArtifactStore(store, "runs"))
//
// # Lower-level packages
//
//   - record: binary record codec and source files
//   - index: binary index with quick filters
//   - cache: persistent index cache
//   - selective: filtered, projected, sorted and paged reads
//   - format: conversion between the five serialized formats
//   - report: JSON report generation
package alloclog
