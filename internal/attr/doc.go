// Package attr defines the attribute values stored on managed objects.
//
// Values are a closed set: String, Int, Bool, List, and Map. There is no null
// (an unset attribute is absent from its Map) and no float, so every object
// state has exactly one RFC 8785 canonical encoding. That encoding is what the
// store persists and what Digest hashes, which lets merges detect whether a
// committed snapshot actually changed an object.
package attr
