package domain_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/livemap/internal/livemap/domain"
)

func TestRosterEqualIsSetEquality(t *testing.T) {
	a := domain.NewRoster("f1", "f2", "f2")
	b := domain.NewRoster("f2", "f1")
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(domain.NewRoster("f1")))
	require.False(t, a.Equal(domain.NewRoster("f1", "f3")))
	require.True(t, domain.NewRoster().Equal(domain.NewRoster("")))
}

func TestRosterWithoutDoesNotMutate(t *testing.T) {
	r := domain.NewRoster("me", "f1")
	out := r.Without("me")
	require.Equal(t, []string{"f1"}, out.IDs())
	require.True(t, r.Contains("me"))
}

func TestValidateCoordinate(t *testing.T) {
	require.NoError(t, domain.ValidateCoordinate(90, -180))
	require.NoError(t, domain.ValidateCoordinate(-90, 180))
	require.True(t, errors.Is(domain.ValidateCoordinate(90.1, 0), domain.ErrInvalidCoordinate))
	require.True(t, errors.Is(domain.ValidateCoordinate(0, -180.5), domain.ErrInvalidCoordinate))
}

func TestStateCopiesDoNotShareMaps(t *testing.T) {
	friends := map[string]domain.Position{"f1": {UserID: "f1"}}
	s := domain.InitialState().WithFriends(friends)
	friends["f2"] = domain.Position{UserID: "f2"}
	require.Len(t, s.FriendLocations, 1)

	withErr := s.WithError("boom")
	require.Equal(t, "boom", withErr.Error())
	require.Equal(t, "", s.Error())
	require.Equal(t, "", withErr.WithoutError().Error())
}

func TestPositionPointOrder(t *testing.T) {
	p := domain.Position{Latitude: 46.5089, Longitude: 6.6283}
	require.Equal(t, 6.6283, p.Point().Lon())
	require.Equal(t, 46.5089, p.Point().Lat())
}
