package testutil

import "github.com/roach88/objgraph/internal/model"

// InventorySource is the CUE model shared by tests across packages.
//
// Items need a lowercase name and a non-negative quantity; an item's owner
// must reference an existing Person.
const InventorySource = `
model: Inventory: {
	version: 1
	entity: Item: {
		attributes: {
			name:     string & =~"^[a-z]"
			quantity: int & >=0
			owner?:   string
			tags?:    [...string]
		}
		unique: ["name"]
		refs: owner: "Person"
		rules: capacity: "quantity <= 1000"
	}
	entity: Person: {
		attributes: name: string & !=""
	}
}
`

// InventoryModel compiles InventorySource. It panics on error, which only
// happens if the fixture itself is broken.
func InventoryModel() *model.Model {
	m, err := model.Compile([]byte(InventorySource), "inventory.cue")
	if err != nil {
		panic("testutil: inventory model: " + err.Error())
	}
	return m
}
