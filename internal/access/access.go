// Package access decides which identities may touch which documents.
//
//	role    upload  read own  read other  delete
//	admin   yes     yes       yes         yes
//	client  no      yes       no          no
//
// A client's "own" documents are those whose owner id equals the
// client's user id. Unknown roles are denied everything.
package access

import "docvault/internal/model"

// CanWrite reports whether who may upload documents.
func CanWrite(who model.Identity) bool {
	return who.IsAdmin()
}

// CanRead reports whether who may read doc.
func CanRead(who model.Identity, doc *model.Document) bool {
	if doc == nil {
		return false
	}
	switch who.Role {
	case model.RoleAdmin:
		return true
	case model.RoleClient:
		return who.UserID != "" && who.UserID == doc.OwnerID
	default:
		return false
	}
}

// CanDelete reports whether who may delete doc.
func CanDelete(who model.Identity, doc *model.Document) bool {
	return doc != nil && who.IsAdmin()
}

// CanList reports whether who may list ownerID's documents. Admins may
// list anyone, and everyone when ownerID is empty.
func CanList(who model.Identity, ownerID string) bool {
	switch who.Role {
	case model.RoleAdmin:
		return true
	case model.RoleClient:
		return who.UserID != "" && (ownerID == "" || ownerID == who.UserID)
	default:
		return false
	}
}
