package model

import "fmt"

const (
	// ShareRecordType is the record type of share records.
	ShareRecordType = "cloudkit.share"

	// ZoneShareRecordName is the record name of the zone-wide share.
	ZoneShareRecordName = "cloudkit.zoneshare"

	// FieldPublicPermission stores the share's public permission as int64.
	FieldPublicPermission = "publicPermission"

	// FieldShareTitle stores an optional human-readable share title.
	FieldShareTitle = "title"
)

// Permission is the access level granted by a share.
type Permission int

const (
	PermissionNone Permission = iota
	PermissionReadOnly
	PermissionReadWrite
)

func (p Permission) String() string {
	switch p {
	case PermissionNone:
		return "none"
	case PermissionReadOnly:
		return "readOnly"
	case PermissionReadWrite:
		return "readWrite"
	default:
		return fmt.Sprintf("Permission(%d)", int(p))
	}
}

// NewShare creates a share record rooted at root. The root's Share reference
// is pointed at the new share; callers save both records together.
func NewShare(root *Record, permission Permission, title string) *Record {
	id := RecordID{Name: "share." + root.ID.Name, Zone: root.ID.Zone}
	share := NewRecord(ShareRecordType, id)
	share.Set(FieldPublicPermission, int64(permission))
	if title != "" {
		share.Set(FieldShareTitle, title)
	}
	root.Share = &Reference{RecordID: id, Action: ActionNone}
	return share
}

// NewZoneShare creates the share record for zone-wide sharing.
func NewZoneShare(zone ZoneID, permission Permission, title string) *Record {
	share := NewRecord(ShareRecordType, RecordID{Name: ZoneShareRecordName, Zone: zone})
	share.Set(FieldPublicPermission, int64(permission))
	if title != "" {
		share.Set(FieldShareTitle, title)
	}
	return share
}

// IsShare reports whether r is a share record.
func (r *Record) IsShare() bool {
	return r != nil && r.Type == ShareRecordType
}

// PublicPermission returns the permission stored on a share record.
func (r *Record) PublicPermission() Permission {
	v, _ := r.Fields[FieldPublicPermission].(int64)
	return Permission(v)
}
