// Package schemas instantiates the RFC 7643 core schemas (User, Group)
// and the enterprise User extension on top of the scim schema engine.
package schemas

import (
	"github.com/marcelom97/scimcore/scim"
)

// User returns the urn:ietf:params:scim:schemas:core:2.0:User
// definition.
func User() *scim.SchemaDefinition {
	return scim.MustSchemaDefinition(
		scim.SchemaUser,
		"User",
		"User Account",
		&scim.Attribute{
			Name:        "userName",
			Description: "Unique identifier for the User, typically used by the user to directly authenticate to the service provider.",
			Required:    true,
			Uniqueness:  scim.UniquenessServer,
		},
		&scim.Attribute{
			Name: "name",
			Type: scim.TypeComplex,
			SubAttributes: []*scim.Attribute{
				{Name: "formatted"},
				{Name: "familyName"},
				{Name: "givenName"},
				{Name: "middleName"},
				{Name: "honorificPrefix"},
				{Name: "honorificSuffix"},
			},
		},
		&scim.Attribute{Name: "displayName"},
		&scim.Attribute{Name: "nickName"},
		&scim.Attribute{Name: "profileUrl", Type: scim.TypeReference, ReferenceTypes: []string{"external"}},
		&scim.Attribute{Name: "title"},
		&scim.Attribute{Name: "userType"},
		&scim.Attribute{Name: "preferredLanguage"},
		&scim.Attribute{Name: "locale"},
		&scim.Attribute{Name: "timezone"},
		&scim.Attribute{Name: "active", Type: scim.TypeBoolean},
		&scim.Attribute{
			Name:       "password",
			Mutability: scim.MutabilityWriteOnly,
			Returned:   scim.ReturnedNever,
		},
		&scim.Attribute{
			Name:        "emails",
			Type:        scim.TypeComplex,
			MultiValued: true,
			SubAttributes: []*scim.Attribute{
				{Name: "value"},
				{Name: "display"},
				{Name: "type", CanonicalValues: []string{"work", "home", "other"}},
			},
		},
		&scim.Attribute{
			Name:        "phoneNumbers",
			Type:        scim.TypeComplex,
			MultiValued: true,
			SubAttributes: []*scim.Attribute{
				{Name: "value"},
				{Name: "display"},
				{Name: "type", CanonicalValues: []string{"work", "home", "mobile", "fax", "pager", "other"}},
			},
		},
		&scim.Attribute{
			Name:        "ims",
			Type:        scim.TypeComplex,
			MultiValued: true,
			SubAttributes: []*scim.Attribute{
				{Name: "value"},
				{Name: "display"},
				{Name: "type"},
			},
		},
		&scim.Attribute{
			Name:        "photos",
			Type:        scim.TypeComplex,
			MultiValued: true,
			SubAttributes: []*scim.Attribute{
				{Name: "value", Type: scim.TypeReference, ReferenceTypes: []string{"external"}},
				{Name: "display"},
				{Name: "type", CanonicalValues: []string{"photo", "thumbnail"}},
			},
		},
		&scim.Attribute{
			Name:        "addresses",
			Type:        scim.TypeComplex,
			MultiValued: true,
			SubAttributes: []*scim.Attribute{
				{Name: "formatted"},
				{Name: "streetAddress"},
				{Name: "locality"},
				{Name: "region"},
				{Name: "postalCode"},
				{Name: "country"},
				{Name: "type", CanonicalValues: []string{"work", "home", "other"}},
			},
		},
		&scim.Attribute{
			Name:        "groups",
			Type:        scim.TypeComplex,
			MultiValued: true,
			Mutability:  scim.MutabilityReadOnly,
			SubAttributes: []*scim.Attribute{
				{Name: "value", Mutability: scim.MutabilityReadOnly},
				{Name: "$ref", Type: scim.TypeReference, ReferenceTypes: []string{"User", "Group"}, Mutability: scim.MutabilityReadOnly},
				{Name: "display", Mutability: scim.MutabilityReadOnly},
				{Name: "type", CanonicalValues: []string{"direct", "indirect"}, Mutability: scim.MutabilityReadOnly},
			},
		},
		&scim.Attribute{
			Name:        "entitlements",
			Type:        scim.TypeComplex,
			MultiValued: true,
			SubAttributes: []*scim.Attribute{
				{Name: "value"},
				{Name: "display"},
				{Name: "type"},
			},
		},
		&scim.Attribute{
			Name:        "roles",
			Type:        scim.TypeComplex,
			MultiValued: true,
			SubAttributes: []*scim.Attribute{
				{Name: "value"},
				{Name: "display"},
				{Name: "type"},
			},
		},
		&scim.Attribute{
			Name:        "x509Certificates",
			Type:        scim.TypeComplex,
			MultiValued: true,
			SubAttributes: []*scim.Attribute{
				{Name: "value", Type: scim.TypeBinary},
				{Name: "display"},
				{Name: "type"},
			},
		},
	)
}

// Group returns the urn:ietf:params:scim:schemas:core:2.0:Group
// definition.
func Group() *scim.SchemaDefinition {
	return scim.MustSchemaDefinition(
		scim.SchemaGroup,
		"Group",
		"Group",
		&scim.Attribute{
			Name:        "displayName",
			Description: "A human-readable name for the Group.",
			Required:    true,
		},
		&scim.Attribute{
			Name:        "members",
			Type:        scim.TypeComplex,
			MultiValued: true,
			SubAttributes: []*scim.Attribute{
				{Name: "value", Mutability: scim.MutabilityImmutable},
				{Name: "$ref", Type: scim.TypeReference, ReferenceTypes: []string{"User", "Group"}, Mutability: scim.MutabilityImmutable},
				{Name: "type", CanonicalValues: []string{"User", "Group"}, Mutability: scim.MutabilityImmutable},
				{Name: "display"},
			},
		},
	)
}

// EnterpriseUser returns the enterprise User extension definition.
func EnterpriseUser() *scim.SchemaDefinition {
	return scim.MustSchemaDefinition(
		scim.SchemaEnterpriseUser,
		"EnterpriseUser",
		"Enterprise User",
		&scim.Attribute{Name: "employeeNumber"},
		&scim.Attribute{Name: "costCenter"},
		&scim.Attribute{Name: "organization"},
		&scim.Attribute{Name: "division"},
		&scim.Attribute{Name: "department"},
		&scim.Attribute{
			Name: "manager",
			Type: scim.TypeComplex,
			SubAttributes: []*scim.Attribute{
				{Name: "value"},
				{Name: "$ref", Type: scim.TypeReference, ReferenceTypes: []string{"User"}},
				{Name: "displayName", Mutability: scim.MutabilityReadOnly},
			},
		},
	)
}
