package entity

import "github.com/crystalarchiver/crystal/internal/db"

// RootResource is a user-named anchor pointing at one Resource (§3.1).
type RootResource struct {
	ID         int64
	Name       string
	ResourceID int64
}

func rootResourceFromRow(r db.RootResource) RootResource {
	return RootResource{ID: r.ID, Name: r.Name, ResourceID: r.ResourceID}
}
