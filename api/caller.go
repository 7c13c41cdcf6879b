package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/warp/schedule-engine/schedule"
)

// Trusted gateway headers. The gateway authenticates the user and strips any
// client-supplied copies before forwarding.
const (
	HeaderUserID   = "X-User-ID"
	HeaderTenantID = "X-Tenant-ID"
	HeaderRoles    = "X-Roles"
	HeaderDeviceID = "X-Device-ID"
	HeaderGeoLat   = "X-Geo-Lat"
	HeaderGeoLong  = "X-Geo-Long"
)

// CallerFromRequest builds the engine caller and audit metadata from a request.
// Missing identity is not an error here; the engine answers it with Forbidden.
func CallerFromRequest(r *http.Request) (schedule.Caller, error) {
	c := schedule.Caller{
		UserID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
		TenantID: strings.TrimSpace(r.Header.Get(HeaderTenantID)),
		Request: schedule.RequestMeta{
			Path:      r.URL.Path,
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
			DeviceID:  r.Header.Get(HeaderDeviceID),
		},
	}
	for _, role := range strings.Split(r.Header.Get(HeaderRoles), ",") {
		if role = strings.TrimSpace(role); role != "" {
			c.Roles = append(c.Roles, strings.ToUpper(role))
		}
	}

	var err error
	if c.Request.GeoLat, err = geo(r.Header.Get(HeaderGeoLat), 90); err != nil {
		return schedule.Caller{}, &schedule.PreconditionError{Field: HeaderGeoLat, Reason: err.Error()}
	}
	if c.Request.GeoLong, err = geo(r.Header.Get(HeaderGeoLong), 180); err != nil {
		return schedule.Caller{}, &schedule.PreconditionError{Field: HeaderGeoLong, Reason: err.Error()}
	}
	return c, nil
}

func geo(v string, limit float64) (*float64, error) {
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, err
	}
	if f < -limit || f > limit {
		return nil, strconv.ErrRange
	}
	return &f, nil
}

// clientIP prefers RemoteAddr as rewritten by middleware.RealIP.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
