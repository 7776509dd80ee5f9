package auth

const (
	RoleAdmin      = "admin"
	RoleAccountant = "accountant"
	RoleViewer     = "viewer"
	// RoleOperator is held by scheduled jobs and acts for any company.
	RoleOperator = "operator"
)

const (
	PermSyncRun          = "sync.run"
	PermSyncRead         = "sync.read"
	PermConnectionManage = "connection.manage"
	PermConnectionRead   = "connection.read"
	PermReconcileRun     = "reconcile.run"
)

var rolePermissions = map[string][]string{
	RoleAdmin:      {PermSyncRun, PermSyncRead, PermConnectionManage, PermConnectionRead, PermReconcileRun},
	RoleOperator:   {PermSyncRun, PermSyncRead, PermConnectionManage, PermConnectionRead, PermReconcileRun},
	RoleAccountant: {PermSyncRun, PermSyncRead, PermConnectionRead, PermReconcileRun},
	RoleViewer:     {PermSyncRead, PermConnectionRead},
}

// RoleGrants reports whether role carries perm.
func RoleGrants(role, perm string) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
