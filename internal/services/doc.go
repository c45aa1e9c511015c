// Package services contains the license business logic: the one-time
// device-binding transition (activation), re-validation and device check-in,
// and admin provisioning. Services are the only mutators of license rows.
//
// Every entry point that can flip a license to expired checks expiry BEFORE
// any binding or status check, and all of them share that order. Failures
// surface as *errors.APIError values; anything else a service returns has
// already been collapsed to the internal-error taxonomy entry so storage
// detail never reaches a caller.
package services
