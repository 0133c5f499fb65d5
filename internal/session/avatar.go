package session

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"sync"

	// Avatar payloads in the wild are PNG or JPEG; register both
	// decoders for image.Decode.
	_ "image/jpeg"

	"golang.org/x/sync/singleflight"
	"mellium.im/xmpp/jid"

	"github.com/monroy/montext/internal/logging"
	"github.com/monroy/montext/internal/xmpp"
)

// avatarCache memoizes decoded contact avatars for the lifetime of one
// authenticated session. Only successful resolutions are cached: a
// contact without an avatar is re-queried on later resyncs, so a newly
// published avatar is eventually discovered. Concurrent resolutions for
// the same contact are collapsed to a single fetch.
type avatarCache struct {
	mu     sync.RWMutex
	images map[ContactID]image.Image
	group  singleflight.Group

	tr  xmpp.Transport
	log *logging.Logger
}

func newAvatarCache(tr xmpp.Transport, log *logging.Logger) *avatarCache {
	return &avatarCache{
		images: make(map[ContactID]image.Image),
		tr:     tr,
		log:    log,
	}
}

// resolve returns the contact's avatar, fetching and decoding the
// profile document on a cache miss. Fetch and decode failures are
// logged and reported as "no avatar"; they never propagate.
func (a *avatarCache) resolve(ctx context.Context, addr jid.JID) image.Image {
	id := contactID(addr)

	a.mu.RLock()
	img, ok := a.images[id]
	a.mu.RUnlock()
	if ok {
		return img
	}

	v, err, _ := a.group.Do(string(id), func() (interface{}, error) {
		profile, err := a.tr.FetchProfile(ctx, addr)
		if err != nil {
			return nil, err
		}
		if len(profile.Avatar) == 0 {
			return nil, nil
		}
		decoded, _, err := image.Decode(bytes.NewReader(profile.Avatar))
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.images[id] = decoded
		a.mu.Unlock()
		a.log.Debug("avatar cached for %s", id)
		return decoded, nil
	})
	if err != nil {
		a.log.Debug("avatar resolution for %s failed: %v", id, err)
		return nil
	}
	if v == nil {
		return nil
	}
	return v.(image.Image)
}

// set stores an already-decoded avatar, used after uploading our own.
func (a *avatarCache) set(id ContactID, img image.Image) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.images[id] = img
}

// clear drops every cached avatar; avatar identity does not survive a
// session.
func (a *avatarCache) clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.images = make(map[ContactID]image.Image)
}

// UploadOwnAvatar PNG-encodes the image, writes it into our own profile
// document, caches it and resynchronizes so the change is visible
// immediately. Requires authentication; the upload itself runs
// asynchronously.
func (s *Session) UploadOwnAvatar(img image.Image) error {
	gen, ctx, ok := s.current()
	if !ok {
		s.log.Error("cannot upload avatar: not authenticated")
		return ErrNotAuthenticated
	}

	go func() {
		self := s.tr.LocalAddr().Bare()

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			s.log.Error("failed to encode avatar: %v", err)
			return
		}

		profile, err := s.tr.FetchProfile(ctx, self)
		if err != nil {
			s.log.Warn("failed to load own profile, starting fresh: %v", err)
			profile = &xmpp.Profile{Address: self}
		}
		profile.Avatar = buf.Bytes()
		profile.AvatarMIME = "image/png"

		if err := s.tr.SaveProfile(ctx, profile); err != nil {
			s.log.Error("failed to save avatar: %v", err)
			return
		}

		if s.stale(gen) {
			return
		}
		s.avatars.set(contactID(self), img)
		s.log.Info("own avatar updated")
		s.resync(ctx, gen)
	}()
	return nil
}

// OwnContact resolves the authenticated user's own contact card,
// including their avatar.
func (s *Session) OwnContact(ctx context.Context) (*Contact, error) {
	_, _, ok := s.current()
	if !ok {
		return nil, ErrNotAuthenticated
	}

	self := s.tr.LocalAddr().Bare()
	return &Contact{
		ID:          contactID(self),
		DisplayName: self.Localpart(),
		Online:      true,
		Avatar:      s.avatars.resolve(ctx, self),
	}, nil
}
