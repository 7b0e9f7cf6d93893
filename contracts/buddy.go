package contracts

const (
	// BuddyListChangeEvent is the host event that carries the friend list
	BuddyListChangeEvent = "onBuddyListChange"

	// BuddyServiceNamespace is the event namespace of kernel service calls
	BuddyServiceNamespace = "ns-ntApi"
	// GetBuddyListCommand asks the host to publish the friend list
	GetBuddyListCommand = "nodeIKernelBuddyService/getBuddyList"
)

// Friend is a single buddy record
type Friend struct {
	Uin string `json:"uin"`
	Uid string `json:"uid"`
}

// BuddyCategory groups friends
type BuddyCategory struct {
	BuddyList []Friend `json:"buddyList"`
}

// BuddyListChange is the payload of BuddyListChangeEvent
type BuddyListChange struct {
	Data []BuddyCategory `json:"data"`
}

// GetBuddyListRequest is the argument of GetBuddyListCommand
type GetBuddyListRequest struct {
	ForceUpdate bool `json:"force_update"`
}
