package escrow

// ListFilter is the typed predicate a viewer scope compiles to. The repository
// accepts nothing looser.
type ListFilter struct {
	Statuses []Status
	// RequestIDs nil means unrestricted; an empty non-nil slice matches nothing.
	RequestIDs []string
}

// Scope is a closed sum over the caller roles that may list payments. Each
// role compiles to its own strongly typed filter.
type Scope interface {
	filter() ListFilter
}

// SuperAdminScope sees every payment.
type SuperAdminScope struct{}

func (SuperAdminScope) filter() ListFilter { return ListFilter{} }

// AdminScope sees every payment, optionally narrowed by custody status.
type AdminScope struct {
	Statuses []Status
}

func (s AdminScope) filter() ListFilter { return ListFilter{Statuses: s.Statuses} }

// ClientScope sees only payments for the client's own requests. The request
// binding comes from the external request layer.
type ClientScope struct {
	RequestIDs []string
}

func (s ClientScope) filter() ListFilter {
	ids := s.RequestIDs
	if ids == nil {
		ids = []string{}
	}
	return ListFilter{RequestIDs: ids}
}

// ProfessionalScope sees payments for requests the professional is assigned
// to, restricted to custody states a payee may observe.
type ProfessionalScope struct {
	RequestIDs []string
}

func (s ProfessionalScope) filter() ListFilter {
	ids := s.RequestIDs
	if ids == nil {
		ids = []string{}
	}
	return ListFilter{
		Statuses:   []Status{StatusEscrowHeld, StatusPendingRelease, StatusCompleted},
		RequestIDs: ids,
	}
}
