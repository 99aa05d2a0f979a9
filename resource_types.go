package scimcore

import (
	"github.com/marcelom97/scimcore/schemas"
	"github.com/marcelom97/scimcore/scim"
)

// UserResourceType declares the standard /Users resource type over the
// core User schema. The caller installs handlers and registers it.
func UserResourceType() *scim.ResourceType {
	return scim.NewResourceType("User", "/Users", "User Account", schemas.User())
}

// GroupResourceType declares the standard /Groups resource type over
// the core Group schema.
func GroupResourceType() *scim.ResourceType {
	return scim.NewResourceType("Group", "/Groups", "Group", schemas.Group())
}
