// Package approval implements time-boxed, single-use consent records that
// sit between transaction simulation and signing.
package approval
