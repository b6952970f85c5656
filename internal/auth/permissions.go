package auth

const (
	PermUserCreate = "user.create"
	PermUserList   = "user.list"
	PermUserRead   = "user.read"
	PermUserUpdate = "user.update"
	PermUserDelete = "user.delete"
	PermUserAssign = "user.assign_roles"

	PermRoleCreate = "role.create"
	PermRoleList   = "role.list"
	PermRoleRead   = "role.read"
	PermRoleUpdate = "role.update"
	PermRoleDelete = "role.delete"

	PermPermissionList = "permission.list"

	PermInvitationCreate = "invitation.create"
	PermInvitationList   = "invitation.list"
	PermInvitationRead   = "invitation.read"
	PermInvitationManage = "invitation.manage"
)
