package enroll

import (
	"context"
	"log/slog"
	"strings"

	"github.com/glinharesb/yubihsm-enroll/internal/audit"
	"github.com/glinharesb/yubihsm-enroll/internal/fault"
	"github.com/glinharesb/yubihsm-enroll/internal/signapp"
)

const (
	// WelcomePath is where an append enrollment lands. History is replaced
	// so going back cannot re-enter the enrollment.
	WelcomePath = "/welcome"
	// FinalizeScene is the step after a fresh enrollment.
	FinalizeScene = "finalize-key"
)

// VaultAppender adds a hardware key for app to an existing vault.
type VaultAppender interface {
	AppendHardwareKeyApp(ctx context.Context, vaultID string, compressedPK []byte, authKeyIDSign, objectID uint16, app signapp.AppID) error
}

type ChainEnabler interface {
	EnableChains(ctx context.Context, chainIDs ...string) error
}

type Navigator interface {
	Navigate(ctx context.Context, path string, replace bool) error
}

// SceneTransition replaces the whole scene stack with scene.
type SceneTransition interface {
	ReplaceAll(ctx context.Context, scene string, props FinalizeProps) error
}

// FinalizeProps are forwarded to the finalize-key step.
type FinalizeProps struct {
	Name         string
	Password     string
	Credential   Credential
	StepPrevious int
	StepTotal    int
}

// Router sends a credential to exactly one continuation.
type Router struct {
	vaults     VaultAppender
	chains     ChainEnabler
	navigator  Navigator
	transition SceneTransition
	audit      *audit.Logger
	log        *slog.Logger
}

func NewRouter(vaults VaultAppender, chains ChainEnabler, nav Navigator, transition SceneTransition, a *audit.Logger, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{vaults: vaults, chains: chains, navigator: nav, transition: transition, audit: a, log: log}
}

// Complete routes cred according to mode. Collaborator failures are
// fault.KindDownstream.
func (r *Router) Complete(ctx context.Context, mode Mode, cred Credential) error {
	if err := checkMode(mode); err != nil {
		return err
	}
	switch m := mode.(type) {
	case AppendToVault:
		return r.appendToVault(ctx, m, cred)
	case *AppendToVault:
		if m == nil {
			break
		}
		return r.appendToVault(ctx, *m, cred)
	case FreshEnrollment:
		return r.finalize(ctx, m, cred)
	case *FreshEnrollment:
		if m == nil {
			break
		}
		return r.finalize(ctx, *m, cred)
	}
	return fault.New(fault.OpSubmit, fault.KindValidation, "enrollment mode is required")
}

// checkMode rejects a missing mode or an append without a vault.
func checkMode(mode Mode) error {
	switch m := mode.(type) {
	case AppendToVault:
		if m.VaultID == "" {
			return fault.New(fault.OpSubmit, fault.KindValidation, "vault id is required to append")
		}
		return nil
	case *AppendToVault:
		if m != nil {
			return checkMode(*m)
		}
	case FreshEnrollment:
		return nil
	case *FreshEnrollment:
		if m != nil {
			return nil
		}
	}
	return fault.New(fault.OpSubmit, fault.KindValidation, "enrollment mode is required")
}

func (r *Router) appendToVault(ctx context.Context, m AppendToVault, cred Credential) error {
	if err := r.vaults.AppendHardwareKeyApp(ctx, m.VaultID, cred.CompressedPublicKey, cred.AuthKeyID, cred.ObjectID, cred.App); err != nil {
		err = downstream(fault.OpAppendVault, err)
		r.audit.Result("AppendVault", m.VaultID, err, map[string]string{"app": string(cred.App)})
		return err
	}
	r.audit.Log("AppendVault", m.VaultID, audit.StatusOK, map[string]string{"app": string(cred.App)})

	if err := r.chains.EnableChains(ctx, m.AfterEnableChains...); err != nil {
		err = downstream(fault.OpEnable, err)
		r.audit.Result("EnableChains", m.VaultID, err, nil)
		return err
	}
	r.audit.Log("EnableChains", m.VaultID, audit.StatusOK, map[string]string{"chains": strings.Join(m.AfterEnableChains, ",")})

	if err := r.navigator.Navigate(ctx, WelcomePath, true); err != nil {
		return downstream(fault.OpNavigate, err)
	}
	r.log.Info("hardware key appended", "vault_id", m.VaultID, "app", cred.App, "object_id", cred.ObjectID)
	return nil
}

func (r *Router) finalize(ctx context.Context, m FreshEnrollment, cred Credential) error {
	props := FinalizeProps{
		Name:         m.Name,
		Password:     m.Password,
		Credential:   cred,
		StepPrevious: m.StepPrevious + 1,
		StepTotal:    m.StepTotal,
	}
	if err := r.transition.ReplaceAll(ctx, FinalizeScene, props); err != nil {
		err = downstream(fault.OpFinalize, err)
		r.audit.Result("FinalizeKey", m.Name, err, nil)
		return err
	}
	r.audit.Log("FinalizeKey", m.Name, audit.StatusOK, map[string]string{"app": string(cred.App)})
	return nil
}

func downstream(op fault.Op, err error) error {
	return &fault.Error{Op: op, Kind: fault.KindDownstream, Msg: fault.Message(err), Err: err}
}
