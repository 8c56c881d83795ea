package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/fruitsalade/cloudmirror/internal/graph"
	"github.com/fruitsalade/cloudmirror/internal/keys"
	"github.com/fruitsalade/cloudmirror/internal/logging"
	"github.com/fruitsalade/cloudmirror/internal/models"
	"github.com/fruitsalade/cloudmirror/internal/movecopy"
	"github.com/fruitsalade/cloudmirror/internal/packet"
	"github.com/fruitsalade/cloudmirror/internal/transport"
)

// Command names understood by the server.
const (
	cmdMove          = "m"
	cmdCopy          = "cp"
	cmdDelete        = "d"
	cmdSetAttributes = "a"
	cmdShare         = "s"
	cmdInvite        = "upc"
	cmdLink          = "l"
)

// request is one caller operation in flight. Its tag is tracked so the
// server's echo of the change is recognised as self-originated.
type request struct {
	ctx context.Context
	tag string
}

func (e *Engine) begin(ctx context.Context) (*request, error) {
	if e.req == nil {
		return nil, ErrNoTransport
	}
	tag := ulid.Make().String()
	e.origin.Track(tag)
	return &request{ctx: logging.WithRequestID(ctx, tag), tag: tag}, nil
}

// call sends one command. Result codes come back as *transport.APIError
// and nothing local changes.
func (e *Engine) call(r *request, action string, args map[string]any) (json.RawMessage, error) {
	res, err := e.req.Do(r.ctx, transport.Command{Action: action, Tag: r.tag, Args: args})
	if err != nil {
		logging.WithContext(r.ctx).Warn("command failed", zap.String("command", action), zap.Error(err))
		return nil, err
	}
	return res, nil
}

// local applies the change the server accepted, as the echo would.
func (e *Engine) local(r *request, packets ...packet.Packet) error {
	for _, pk := range packets {
		if t, ok := pk.(interface{ SetTag(string) }); ok {
			t.SetTag(r.tag)
		}
	}
	return e.proc.ApplyLocal(r.ctx, packets...)
}

// Move moves sources under dst. The validator decides how: a plain move,
// a copy, or a copy followed by deleting the source. A disallowed request
// returns ErrDisallowed and sends nothing. Sources are handled in order;
// a failure stops the request with the earlier sources already done.
func (e *Engine) Move(ctx context.Context, sources []models.Handle, dst models.Handle) (movecopy.Op, error) {
	r, err := e.begin(ctx)
	if err != nil {
		return movecopy.Disallowed, err
	}
	op, err := e.Classify(r.ctx, sources, dst)
	if err != nil {
		return op, err
	}
	if op == movecopy.Disallowed {
		return op, fmt.Errorf("%w: %v to %s", ErrDisallowed, sources, dst)
	}

	log := logging.WithContext(r.ctx)
	for _, src := range sources {
		switch op {
		case movecopy.Move:
			if _, err := e.call(r, cmdMove, map[string]any{"n": src, "t": dst}); err != nil {
				return op, err
			}
			err = e.mutate(r.ctx, func() error {
				return e.store.SetAttributes(src, models.Patch{Parent: &dst})
			})
		case movecopy.Copy, movecopy.CopyAndDelete:
			err = e.copyNode(r, src, dst)
			if err == nil && op == movecopy.CopyAndDelete {
				if _, err = e.call(r, cmdDelete, map[string]any{"n": src}); err == nil {
					err = e.local(r, &packet.Delete{Node: src})
				}
			}
		}
		if err != nil {
			return op, err
		}
	}
	log.Info("move applied", zap.Stringer("op", op), zap.Int("sources", len(sources)), zap.String("dst", string(dst)))
	return op, nil
}

type copyResult struct {
	Nodes []packet.NodeRecord `json:"f"`
}

func (e *Engine) copyNode(r *request, src, dst models.Handle) error {
	res, err := e.call(r, cmdCopy, map[string]any{"n": src, "t": dst})
	if err != nil {
		return err
	}
	var out copyResult
	if err := json.Unmarshal(res, &out); err != nil {
		return fmt.Errorf("copy %s: decode result: %w", src, err)
	}
	nodes := make([]*models.Node, 0, len(out.Nodes))
	for _, rec := range out.Nodes {
		n, err := rec.Node()
		if err != nil {
			return fmt.Errorf("copy %s: %w", src, err)
		}
		nodes = append(nodes, n)
	}
	return e.local(r, &packet.Tree{Nodes: nodes})
}

// Rename sets a node's name.
func (e *Engine) Rename(ctx context.Context, h models.Handle, name string) error {
	return e.updateAttributes(ctx, h, func(a *models.Attributes) { a.Name = name })
}

// SetFavorite flags or unflags a node as favourite.
func (e *Engine) SetFavorite(ctx context.Context, h models.Handle, favorite bool) error {
	return e.updateAttributes(ctx, h, func(a *models.Attributes) { a.Favorite = favorite })
}

// updateAttributes re-encrypts a decoded node's attributes with its own
// key and uploads them.
func (e *Engine) updateAttributes(ctx context.Context, h models.Handle, mutate func(*models.Attributes)) error {
	r, err := e.begin(ctx)
	if err != nil {
		return err
	}
	n, err := e.Node(r.ctx, h)
	if err != nil {
		return err
	}
	if !n.Decoded || len(n.Key) == 0 {
		return fmt.Errorf("update %s: %w", h, keys.ErrKeyMissing)
	}

	attrs := n.Attrs
	mutate(&attrs)
	blob, err := e.codec.EncryptAttributes(attrs, n.Key)
	if err != nil {
		return fmt.Errorf("update %s: %w", h, err)
	}
	if _, err := e.call(r, cmdSetAttributes, map[string]any{"n": h, "at": blob}); err != nil {
		return err
	}
	return e.mutate(r.ctx, func() error {
		return e.store.SetAttributes(h, models.Patch{EncAttr: blob, Attrs: &attrs})
	})
}

// shareKeyFor returns the node's share key, creating one on first share.
func (e *Engine) shareKeyFor(ctx context.Context, h models.Handle) ([]byte, error) {
	var sk []byte
	err := e.view(ctx, func() error {
		n, ok := e.store.Get(h)
		if !ok {
			return fmt.Errorf("share %s: %w", h, graph.ErrNotFound)
		}
		if n.Kind.IsTopLevel() || n.Kind == models.KindContact {
			return fmt.Errorf("%w: cannot share %s node %s", ErrDisallowed, n.Kind, h)
		}
		if cached, ok := e.ledger.ShareKey(h); ok {
			sk = slices.Clone(cached)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if sk == nil {
		sk = keys.NewKey()
	}
	return sk, nil
}

// Share grants grantee access to h. A user handle yields a share record;
// anything else is taken as an e-mail address and yields a pending share
// to the pending contact the server creates or reuses.
func (e *Engine) Share(ctx context.Context, h models.Handle, grantee string, rights models.Rights) error {
	r, err := e.begin(ctx)
	if err != nil {
		return err
	}
	sk, err := e.shareKeyFor(r.ctx, h)
	if err != nil {
		return err
	}
	wrapped, err := e.codec.WrapKey(sk, e.ring.Master())
	if err != nil {
		return fmt.Errorf("share %s: %w", h, err)
	}
	now := time.Now()

	user := models.Handle(grantee)
	if user.IsUser() && !strings.Contains(grantee, "@") {
		if _, err := e.call(r, cmdShare, map[string]any{"n": h, "u": user, "r": int(rights), "ok": wrapped}); err != nil {
			return err
		}
		return e.local(r, &packet.Share{
			Node: h, Grantee: user, Owner: e.self, Rights: &rights, ShareKey: wrapped, Timestamp: now.Unix(),
		})
	}

	res, err := e.call(r, cmdShare, map[string]any{"n": h, "m": grantee, "r": int(rights), "ok": wrapped})
	if err != nil {
		return err
	}
	var out struct {
		Pending models.Handle `json:"p"`
	}
	if err := json.Unmarshal(res, &out); err != nil || out.Pending == "" {
		return fmt.Errorf("share %s with %s: no pending contact in result", h, grantee)
	}

	// A request already sent to this address keeps its original details.
	var known models.PendingContact
	var ok bool
	if err := e.view(r.ctx, func() error {
		known, ok = e.ledger.FindPendingContactByAddress(models.Outgoing, grantee)
		return nil
	}); err != nil {
		return err
	}
	packets := []packet.Packet{&packet.PendingShare{Node: h, PendingContact: out.Pending, Rights: rights, Timestamp: now.Unix()}}
	if !ok || known.ID != out.Pending {
		pc := &packet.PendingContact{Direction: models.Outgoing, ID: out.Pending, Address: grantee, Sent: now.UTC().Truncate(time.Second)}
		packets = append([]packet.Packet{pc}, packets...)
	}
	return e.local(r, packets...)
}

// RemoveShare revokes the share of h to a user.
func (e *Engine) RemoveShare(ctx context.Context, h, grantee models.Handle) error {
	r, err := e.begin(ctx)
	if err != nil {
		return err
	}
	if _, err := e.call(r, cmdShare, map[string]any{"n": h, "u": grantee, "d": 1}); err != nil {
		return err
	}
	return e.local(r, &packet.Share{Node: h, Grantee: grantee, Owner: e.self})
}

// RemovePendingShare withdraws a share offered to a pending contact.
func (e *Engine) RemovePendingShare(ctx context.Context, h, pendingContact models.Handle) error {
	r, err := e.begin(ctx)
	if err != nil {
		return err
	}
	if _, err := e.call(r, cmdShare, map[string]any{"n": h, "p": pendingContact, "d": 1}); err != nil {
		return err
	}
	return e.local(r, &packet.PendingShare{Node: h, PendingContact: pendingContact, Removed: true})
}

// InviteContact sends a contact request and returns the pending contact id.
func (e *Engine) InviteContact(ctx context.Context, address string) (models.Handle, error) {
	r, err := e.begin(ctx)
	if err != nil {
		return "", err
	}
	res, err := e.call(r, cmdInvite, map[string]any{"u": address, "aa": "a"})
	if err != nil {
		return "", err
	}
	var out packet.PendingContactEntry
	if err := json.Unmarshal(res, &out); err != nil {
		return "", fmt.Errorf("invite %s: decode result: %w", address, err)
	}
	if out.Address == "" {
		out.Address = address
	}
	pc, err := out.PendingContact()
	if err != nil {
		return "", fmt.Errorf("invite %s: %w", address, err)
	}
	if err := e.local(r, &packet.PendingContact{Direction: models.Outgoing, ID: pc.ID, Address: pc.Address, Sent: pc.Sent}); err != nil {
		return "", err
	}
	return pc.ID, nil
}

// ExportLink creates a public link for h and returns its public handle.
func (e *Engine) ExportLink(ctx context.Context, h models.Handle) (models.Handle, error) {
	r, err := e.begin(ctx)
	if err != nil {
		return "", err
	}
	n, err := e.Node(r.ctx, h)
	if err != nil {
		return "", err
	}
	if n.Kind.IsTopLevel() || n.Kind == models.KindContact {
		return "", fmt.Errorf("%w: cannot export %s node %s", ErrDisallowed, n.Kind, h)
	}

	res, err := e.call(r, cmdLink, map[string]any{"n": h})
	if err != nil {
		return "", err
	}
	var ph models.Handle
	if err := json.Unmarshal(res, &ph); err != nil || ph == "" {
		return "", fmt.Errorf("export %s: no public handle in result", h)
	}
	if err := e.local(r, &packet.PublicLink{Node: h, PublicHandle: ph}); err != nil {
		return "", err
	}
	return ph, nil
}

// RemoveLink disables the public link of h.
func (e *Engine) RemoveLink(ctx context.Context, h models.Handle) error {
	r, err := e.begin(ctx)
	if err != nil {
		return err
	}
	if _, err := e.call(r, cmdLink, map[string]any{"n": h, "d": 1}); err != nil {
		return err
	}
	return e.local(r, &packet.PublicLink{Node: h, Removed: true})
}
