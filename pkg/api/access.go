package api

import (
	"context"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/access"
	"github.com/marmos91/dittoshare/pkg/share"
)

var (
	validate = validator.New()

	usernameRe = regexp.MustCompile(`^[\w.\-` + "`" + `;'{}\[\]\\]{4,32}$`)
)

// AccessRequest grants an identity access to a share.
type AccessRequest struct {
	Type share.AccessType
	To   string

	// Level defaults to rw
	Level share.AccessLevel
}

func validateAccess(req *AccessRequest) error {
	if req.Level == "" {
		req.Level = share.AccessLevelRW
	}
	if !req.Level.IsValid() {
		return share.Errorf(share.KindInvalidShareAccess, "invalid share access level: %s", req.Level)
	}
	switch req.Type {
	case share.AccessTypeIP:
		if validate.Var(req.To, "ipv4|cidrv4") != nil {
			return share.Errorf(share.KindInvalidInput, "invalid ip access %q: expected an address (10.0.0.2) or range (10.0.0.0/24)", req.To)
		}
	case share.AccessTypeUser:
		if !usernameRe.MatchString(req.To) {
			return share.Errorf(share.KindInvalidInput,
				"invalid user or group name %q: must be 4-32 alphanumeric or ]{.-_'`;}[\\ characters", req.To)
		}
	case share.AccessTypeCert:
		if validate.Var(req.To, "min=1,max=64") != nil {
			return share.Errorf(share.KindInvalidInput, "invalid certificate common name: must be 1-64 characters")
		}
	default:
		return share.Errorf(share.KindInvalidInput, "invalid access type %q", req.Type)
	}
	return nil
}

// AllowAccess adds a rule to a share and queues it on every instance.
// A second rule for the same type and target is refused.
func (a *ShareAPI) AllowAccess(ctx context.Context, shareID string, req AccessRequest) (*share.AccessRule, error) {
	if err := validateAccess(&req); err != nil {
		return nil, err
	}
	s, instances, primary, err := a.shareState(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(s, primary, "allow access", share.StatusAvailable); err != nil {
		return nil, err
	}

	rules, err := a.store.ListAccessRules(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if r.SameTarget(req.Type, req.To) {
			return nil, &share.Error{Kind: share.KindShareAccessExists,
				Message: fmt.Sprintf("share access %s:%s exists", req.Type, req.To), Resource: "share", ID: s.ID}
		}
	}
	for _, inst := range instances {
		if inst.AccessRulesStatus == share.AccessRulesError {
			return nil, &share.Error{Kind: share.KindInvalidShareInstance,
				Message:  "access rules status is error, remove the incorrect rules to get it back to active",
				Resource: "instance", ID: inst.ID}
		}
	}

	now := a.clock.Now()
	rule, err := share.NewAccessRule(s.ID, req.Type, req.To, req.Level, now)
	if err != nil {
		return nil, err
	}
	mappings := make([]*share.InstanceAccessMapping, 0, len(instances))
	for _, inst := range instances {
		mappings = append(mappings, share.NewMapping(inst.ID, rule.ID, now))
	}
	if err := a.store.CreateAccessRule(ctx, rule, mappings); err != nil {
		return nil, fmt.Errorf("failed to create access rule: %w", err)
	}

	for _, inst := range instances {
		if err := a.queueAccessChange(ctx, inst); err != nil {
			return nil, err
		}
	}
	logger.Info("api: share=%s access=%s %s:%s (%s) queued", s.ID, rule.ID, rule.AccessType, rule.AccessTo, rule.AccessLevel)
	return a.store.GetAccessRule(ctx, rule.ID)
}

// DenyAccess queues the removal of a rule from every instance. Denying a
// rule already being denied is a no-op.
func (a *ShareAPI) DenyAccess(ctx context.Context, shareID, accessID string) error {
	rule, err := a.store.GetAccessRule(ctx, accessID)
	if err != nil {
		return err
	}
	if rule.ShareID != shareID {
		return share.NotFound("access rule", accessID)
	}
	s, instances, primary, err := a.shareState(ctx, shareID)
	if err != nil {
		return err
	}
	if err := requireStatus(s, primary, "deny access", share.StatusAvailable); err != nil {
		return err
	}

	byID := make(map[string]*share.ShareInstance, len(instances))
	for _, inst := range instances {
		byID[inst.ID] = inst
	}
	mappings, err := a.store.ListMappingsForRule(ctx, rule.ID)
	if err != nil {
		return err
	}
	for _, m := range mappings {
		if m.State == share.AccessStateQueuedToDeny {
			continue
		}
		inst, ok := byID[m.ShareInstanceID]
		if !ok || inst.Host == "" {
			// never reached a backend
			if err := a.store.DeleteMapping(ctx, m.ID); err != nil && !share.IsNotFound(err) {
				return err
			}
			continue
		}
		_, err := a.store.UpdateMapping(ctx, m.ID, func(m *share.InstanceAccessMapping) error {
			m.State = share.AccessStateQueuedToDeny
			m.UpdatedAt = a.clock.Now()
			return nil
		})
		if err != nil {
			return err
		}
		if err := a.queueAccessChange(ctx, inst); err != nil {
			return err
		}
	}

	left, err := a.store.ListMappingsForRule(ctx, rule.ID)
	if err != nil {
		return err
	}
	if len(left) == 0 {
		if err := a.store.DeleteAccessRule(ctx, rule.ID); err != nil && !share.IsNotFound(err) {
			return err
		}
	}
	logger.Info("api: share=%s access=%s deny queued", s.ID, rule.ID)
	return nil
}

// queueAccessChange marks a pending rule change on inst and asks its host
// to reconcile unless a reconciliation is already running there. A failed
// request leaves the instance out_of_sync, which the next change or the
// host's poller picks up.
func (a *ShareAPI) queueAccessChange(ctx context.Context, inst *share.ShareInstance) error {
	from, err := access.QueueChange(ctx, a.store, inst.ID)
	if err != nil {
		return err
	}
	if !access.NeedsDispatch(from) || inst.Host == "" {
		return nil
	}
	if err := a.shares.UpdateAccess(ctx, inst.Host, inst.ID); err != nil {
		return fmt.Errorf("failed to dispatch access update of instance %s: %w", inst.ID, err)
	}
	return nil
}

// AccessList returns the rules of a share ordered by creation time.
func (a *ShareAPI) AccessList(ctx context.Context, shareID string) ([]*share.AccessRule, error) {
	if _, err := a.store.GetShare(ctx, shareID); err != nil {
		return nil, err
	}
	return a.store.ListAccessRules(ctx, shareID)
}
