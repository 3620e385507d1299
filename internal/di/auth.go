package di

import (
	"context"
	"errors"

	firebaseauth "firebase.google.com/go/v4/auth"
)

var errFirebaseNotConfigured = errors.New("di: firebase project not configured")

// rejectingVerifier stands in when Firebase is not configured so signed-in routes fail closed.
type rejectingVerifier struct{}

func (rejectingVerifier) VerifyIDToken(context.Context, string) (*firebaseauth.Token, error) {
	return nil, errFirebaseNotConfigured
}
