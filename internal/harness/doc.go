// Package harness runs save-protocol scenarios against a real Coordinator.
//
// A scenario compiles a model, seeds a fresh store, then submits each step
// as one PerformUpdates job and records what the job produced: what was
// merged into the main context, which objects were discarded, and whether
// the save failed. Assertions then inspect the main context and the commit
// log.
//
// # Scenario Format
//
//	name: discard_invalid_insert
//	description: "An invalid insert is dropped, the rest commits"
//	model: ../models/inventory.cue
//	setup:
//	  - insert: Item
//	    values: { name: alpha, quantity: 1 }
//	steps:
//	  - name: batch
//	    ops:
//	      - insert: Item
//	        values: { name: beta, quantity: -1 }
//	      - update: obj-1
//	        values: { quantity: 2 }
//	      - delete: obj-1
//	    expect:
//	      outcome: degraded
//	      discarded: [obj-2]
//	assertions:
//	  - type: exists
//	    ids: [obj-1]
//	  - type: attributes
//	    id: obj-1
//	    expect: { quantity: 2 }
//
// # Assertion Types
//
//   - exists: every listed ID is live in the main context
//   - absent: no listed ID is live in the main context
//   - attributes: the object's attributes include the expected values
//   - count: the main context sees exactly Count live objects of Entity
//   - commits: the commit log holds exactly Count entries
//
// # Deterministic Testing
//
// Object IDs come from testutil.SequentialIDGenerator ("<id_prefix>-N"),
// the pool has a single worker, and steps run one at a time, so traces are
// identical across runs and can be compared against golden files.
package harness
