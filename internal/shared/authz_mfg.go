package shared

// Manufacturing permissions.
const (
	PermBOMView = "boms.view"
	PermBOMEdit = "boms.edit"
)

// ManufacturingScopes lists all permissions related to bill-of-materials management.
func ManufacturingScopes() []string {
	return []string{
		PermBOMView,
		PermBOMEdit,
	}
}
