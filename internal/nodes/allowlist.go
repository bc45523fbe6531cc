package nodes

import (
	"context"

	"golang.org/x/xerrors"

	"fleetctl/internal/api"
	"fleetctl/internal/model"
	"fleetctl/internal/store"
)

// FingerprintLister returns the device fingerprints a user may connect with.
type FingerprintLister interface {
	AllowedFingerprints(ctx context.Context, userID int64) ([]string, error)
}

// AllowList computes allow-list entries from persisted users and devices.
type AllowList struct {
	db           store.Store
	fingerprints FingerprintLister
	// EnforceDeviceLimits asks nodes to reject unknown fingerprints once a
	// user is at their device limit.
	EnforceDeviceLimits bool
}

func NewAllowList(db store.Store, fingerprints FingerprintLister, enforce bool) *AllowList {
	return &AllowList{db: db, fingerprints: fingerprints, EnforceDeviceLimits: enforce}
}

// ForNode returns the complete allow-list of a node: every active user
// entitled to at least one of its inbounds.
func (a *AllowList) ForNode(ctx context.Context, nodeID int64) ([]api.UserData, error) {
	rows, err := a.db.ListNodeUserInbounds(ctx, nodeID)
	if err != nil {
		return nil, xerrors.Errorf("list node users: %w", err)
	}

	var (
		out   []api.UserData
		index = map[int64]int{}
	)
	for _, row := range rows {
		if !row.Active() {
			continue
		}
		i, ok := index[row.ID]
		if !ok {
			entry, err := a.entry(ctx, row.User, nil)
			if err != nil {
				return nil, err
			}
			i = len(out)
			index[row.ID] = i
			out = append(out, entry)
		}
		out[i].Inbounds = append(out[i].Inbounds, api.Inbound{Tag: row.Tag})
	}
	return out, nil
}

// ForUser returns the user's entry for every node carrying one of their
// inbounds, keyed by node id. Inactive users get entries without inbounds,
// which removes them from the node.
func (a *AllowList) ForUser(ctx context.Context, userID int64) (map[int64]api.UserData, error) {
	user, err := a.db.GetUser(ctx, userID)
	if err != nil {
		return nil, xerrors.Errorf("get user %d: %w", userID, err)
	}
	inbounds, err := a.db.ListUserInbounds(ctx, userID)
	if err != nil {
		return nil, xerrors.Errorf("list user inbounds: %w", err)
	}

	perNode := map[int64][]api.Inbound{}
	for _, in := range inbounds {
		if _, ok := perNode[in.NodeID]; !ok {
			perNode[in.NodeID] = []api.Inbound{}
		}
		if user.Active() {
			perNode[in.NodeID] = append(perNode[in.NodeID], api.Inbound{Tag: in.Tag})
		}
	}

	out := make(map[int64]api.UserData, len(perNode))
	for nodeID, tags := range perNode {
		entry, err := a.entry(ctx, user, tags)
		if err != nil {
			return nil, err
		}
		out[nodeID] = entry
	}
	return out, nil
}

func (a *AllowList) entry(ctx context.Context, user model.User, inbounds []api.Inbound) (api.UserData, error) {
	fps, err := a.fingerprints.AllowedFingerprints(ctx, user.ID)
	if err != nil {
		return api.UserData{}, xerrors.Errorf("allowed fingerprints of user %d: %w", user.ID, err)
	}
	return api.UserData{
		User: api.User{
			ID:                  user.ID,
			Username:            user.Username,
			Key:                 user.Key,
			DeviceLimit:         user.DeviceLimit,
			AllowedFingerprints: fps,
			EnforceDeviceLimit:  a.EnforceDeviceLimits,
		},
		Inbounds: inbounds,
	}, nil
}
