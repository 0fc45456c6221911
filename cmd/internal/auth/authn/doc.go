// Package authn is the authentication service: registration, login,
// refresh token rotation with reuse detection, and logout.
//
// The Service is stateless; persistence lives in identity.Store and
// session.Store, signing in token.Codec. Every operation reads the clock once
// and uses that instant for all of its decisions.
package authn
