package health

import "time"

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    "healthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates a new unhealthy status
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   false,
		Status:    "unhealthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   false,
		Status:    "degraded",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate combines per-service reports into one gateway report:
//   - any critical sub-status unhealthy → unhealthy
//   - otherwise any sub-status unhealthy, unknown or degraded → degraded
//   - otherwise healthy
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "No services registered")
	}

	criticalDown := 0
	impaired := 0
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy() && sub.Critical:
			criticalDown++
		case !sub.IsHealthy():
			impaired++
		}
	}

	var status Status
	switch {
	case criticalDown > 0:
		status = NewUnhealthy(component, "One or more critical services are unhealthy")
	case impaired > 0:
		status = NewDegraded(component, "One or more services are degraded or unavailable")
	default:
		status = NewHealthy(component, "All services are healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	return status
}
