// Package document implements the configuration document layer of chgops.
//
// Documents are gopkg.in/yaml.v3 node trees. The package parses them with
// located errors, expands anchors and merge keys, deep-merges documents in
// override order, discovers layered variable files on disk and resolves
// inline {{ ref:NAME }} markers against the top-level bindings of a merged
// document.
//
// # Merge semantics
//
// For any key path present in two documents the value from the later document
// wins. Mappings merge recursively; every other node kind (scalars and
// sequences included) is replaced wholesale. Merging never mutates its inputs.
//
//	base, _ := document.Parse("base.yaml", []byte("a: 1\nb: {x: 1}\n"))
//	over, _ := document.Parse("over.yaml", []byte("b: {y: 2}\nc: 3\n"))
//	merged := document.MergeAll(base, over) // {a: 1, b: {x: 1, y: 2}, c: 3}
package document
