package client

import (
	"context"

	"github.com/danmuck/remoteobj/internal/facade"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Session is a dialed connection with an open server session.
type Session struct {
	*Remote
	Token facade.Session
}

// Open dials cfg.Address and opens a session for user.
func Open(ctx context.Context, cfg Config, user, password string) (*Session, error) {
	conn, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	remote := NewRemote(conn)
	token, err := remote.OpenSession(ctx, user, password)
	if err != nil {
		return nil, multierr.Append(err, conn.Close())
	}
	log.Debug().Str("addr", cfg.Address).Str("user", user).Msg("client session opened")
	return &Session{Remote: remote, Token: token}, nil
}

// Close ends the server session, then the connection. The connection is
// closed even when the session cannot be ended.
func (s *Session) Close(ctx context.Context) error {
	var err error
	if !s.conn.Closed() {
		err = s.CloseSession(ctx, s.Token)
	}
	return multierr.Append(err, s.conn.Close())
}
