// Package authz is the single authorization choke point.
//
// Gate.Evaluate combines two independent checks and allows an action only
// when both pass:
//
//   - membership: the user holds an active membership in an active
//     organization, and its role grants the action. Owners pass everything,
//     admins everything except the owner-only actions, members only the
//     actions listed in their permissions (or "*").
//   - license: when the Policy maps the action to a feature, the
//     organization's license must be usable and include it. When it maps the
//     action to a limit, current usage must be below the bound so one more
//     resource still fits.
//
// A Resource, when given, must belong to the organization or a descendant.
package authz
