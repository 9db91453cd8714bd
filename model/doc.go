// Package model defines the core types shared by the index, the storage
// backends and the engine boundary.
//
// # Identity Types
//
//   - Uid32: 32-byte primary key of the Entry and Chain tables
//   - Label: opaque salt supplied on every call, never stored
//   - MasterKey: 32-byte secret the engine derives all keys from
//
// # Value Types
//
//   - Value: opaque ciphertext stored in a table row
//   - EntryTableValues: (Previous, New) pair used for compare-and-swap
//   - IndexedValue: tagged union of Location ('l') and Keyword ('w')
//
// # Result Types
//
//   - SearchResults: requested keyword -> reachable locations
//   - ProgressResults: keyword -> indexed values found at one search level
package model
