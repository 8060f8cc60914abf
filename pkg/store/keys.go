package store

// Key Namespace Design
// ====================
//
// Entities are stored as JSON under a per-type prefix. Secondary indexes are
// empty-valued keys whose suffix is the indexed entity ID, so a prefix scan
// over an index yields the IDs to load.
//
// Data Type               Prefix  Key Format                        Value
// =========================================================================
// Share                   "s:"    s:<shareID>                       Share (JSON)
// Share instance          "i:"    i:<instanceID>                    ShareInstance (JSON)
//   by share              "is:"   is:<shareID>:<instanceID>         -
//   by share server       "iv:"   iv:<serverID>:<instanceID>        -
// Access rule             "a:"    a:<ruleID>                        AccessRule (JSON)
//   by share              "as:"   as:<shareID>:<ruleID>             -
// Access mapping          "m:"    m:<mappingID>                     InstanceAccessMapping (JSON)
//   by instance           "mi:"   mi:<instanceID>:<mappingID>       -
//   by rule               "ma:"   ma:<ruleID>:<mappingID>           -
// Snapshot                "n:"    n:<snapshotID>                    Snapshot (JSON)
//   by share              "ns:"   ns:<shareID>:<snapshotID>         -
// Snapshot instance       "ni:"   ni:<snapshotInstanceID>           SnapshotInstance (JSON)
//   by snapshot           "nn:"   nn:<snapshotID>:<id>              -
// CG snapshot member      "g:"    g:<memberID>                      CGSnapshotMember (JSON)
//   by share              "gs:"   gs:<shareID>:<memberID>           -
// Share server            "v:"    v:<serverID>                      ShareServer (JSON)
// Service                 "sv:"   sv:<topic>:<host>                 Service (JSON)
// Share type              "t:"    t:<typeID>                        ShareType (JSON)
//   by name               "tn:"   tn:<name>                         typeID (bytes)
//
// Prefixes are chosen so that no prefix is a prefix of another type's key
// followed by an ID ("i:" vs "is:" differ at the second byte).

const (
	prefixShare            = "s:"
	prefixInstance         = "i:"
	prefixInstanceByShare  = "is:"
	prefixInstanceByServer = "iv:"
	prefixRule             = "a:"
	prefixRuleByShare      = "as:"
	prefixMapping          = "m:"
	prefixMappingByInst    = "mi:"
	prefixMappingByRule    = "ma:"
	prefixSnapshot         = "n:"
	prefixSnapshotByShare  = "ns:"
	prefixSnapInstance     = "ni:"
	prefixSnapInstBySnap   = "nn:"
	prefixCGMember         = "g:"
	prefixCGMemberByShare  = "gs:"
	prefixServer           = "v:"
	prefixService          = "sv:"
	prefixShareType        = "t:"
	prefixShareTypeByName  = "tn:"
)

func key(prefix string, parts ...string) []byte {
	k := prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return []byte(k)
}

// indexPrefix is the scan prefix for all index entries under owner.
func indexPrefix(prefix, owner string) []byte {
	return []byte(prefix + owner + ":")
}
