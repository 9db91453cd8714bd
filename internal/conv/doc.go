// Package conv holds checked integer conversions for counts that cross a
// width boundary, such as chain lengths decrypted from entry rows and entry
// positions stored in 32-bit bitmaps.
package conv
