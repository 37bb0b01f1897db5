// Package auth issues and validates the per-participant room tokens and
// tracks device identity sessions.
//
// Tokens are self-issued HS256: the REST layer mints one when a participant
// is admitted, the socket layer validates it during the handshake. The token
// binds room, participant, role, and device together so a socket can never
// speak for a seat it was not admitted to.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hushroom/hushroom/internal/v1/types"
)

const issuer = "hushroom"

// ErrInvalidToken is returned for any token that fails validation.
var ErrInvalidToken = errors.New("invalid token")

// RoomClaims are the custom JWT claims binding a token to one seat in one room.
type RoomClaims struct {
	RoomID        string `json:"room_id"`
	ParticipantID int64  `json:"participant_id"`
	Role          string `json:"role"`
	DeviceID      string `json:"device_id"`
	jwt.RegisteredClaims
}

// Tokens issues and validates room tokens with a shared HMAC secret.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret), now: time.Now}
}

// Issue mints a token for an admitted participant. The TTL should match the
// room's remaining lifetime; an expired room must not have live tokens.
func (t *Tokens) Issue(b types.Binding, ttl time.Duration) (string, error) {
	return t.sign(RoomClaims{
		RoomID:        string(b.RoomID),
		ParticipantID: int64(b.ParticipantID),
		Role:          string(b.Role),
		DeviceID:      string(b.DeviceID),
	}, ttl)
}

// IssueRoomToken mints the host's pre-acceptance credential: it names the
// room and device but no participant, because the host has no seat until
// they accept.
func (t *Tokens) IssueRoomToken(roomID types.RoomID, deviceID types.DeviceID, ttl time.Duration) (string, error) {
	return t.sign(RoomClaims{
		RoomID:   string(roomID),
		Role:     string(types.RoleHost),
		DeviceID: string(deviceID),
	}, ttl)
}

func (t *Tokens) sign(claims RoomClaims, ttl time.Duration) (string, error) {
	now := t.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Validate parses a participant token and returns the binding it carries.
func (t *Tokens) Validate(tokenString string) (types.Binding, error) {
	claims, err := t.parse(tokenString)
	if err != nil {
		return types.Binding{}, err
	}
	if claims.ParticipantID == 0 {
		return types.Binding{}, fmt.Errorf("%w: token carries no participant", ErrInvalidToken)
	}

	return types.Binding{
		RoomID:        types.RoomID(claims.RoomID),
		ParticipantID: types.ParticipantID(claims.ParticipantID),
		DeviceID:      types.DeviceID(claims.DeviceID),
		Role:          types.RoleType(claims.Role),
	}, nil
}

// ValidateRoomToken parses a pre-acceptance host token. Participant tokens
// also pass: a seated host can still accept-idempotently.
func (t *Tokens) ValidateRoomToken(tokenString string) (types.RoomID, types.DeviceID, error) {
	claims, err := t.parse(tokenString)
	if err != nil {
		return "", "", err
	}
	if types.RoleType(claims.Role) != types.RoleHost {
		return "", "", fmt.Errorf("%w: not a host token", ErrInvalidToken)
	}
	return types.RoomID(claims.RoomID), types.DeviceID(claims.DeviceID), nil
}

func (t *Tokens) parse(tokenString string) (*RoomClaims, error) {
	claims := &RoomClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)

	_, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	role := types.RoleType(claims.Role)
	if role != types.RoleHost && role != types.RoleGuest {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	if claims.RoomID == "" || claims.DeviceID == "" {
		return nil, fmt.Errorf("%w: incomplete claims", ErrInvalidToken)
	}
	return claims, nil
}
