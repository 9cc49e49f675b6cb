package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"bus-tracker/internal/tracking"
	"bus-tracker/internal/transit"
)

func (s *Server) listVehicles(c *gin.Context) {
	list, err := s.tracker.Vehicles(c.Request.Context(), c.Query("route"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(list), "data": list})
}

func (s *Server) getVehicle(c *gin.Context) {
	v, err := s.tracker.Vehicle(c.Request.Context(), c.Param("code"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeData(c, http.StatusOK, v)
}

func (s *Server) startTrip(c *gin.Context) {
	v, err := s.tracker.StartTrip(c.Request.Context(), c.Param("code"), grantFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeData(c, http.StatusOK, statusBody(v))
}

func (s *Server) endTrip(c *gin.Context) {
	v, err := s.tracker.EndTrip(c.Request.Context(), c.Param("code"), grantFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeData(c, http.StatusOK, statusBody(v))
}

type locationPayload struct {
	Lat       *float64   `json:"lat" binding:"required,latitude"`
	Lng       *float64   `json:"lng" binding:"required,longitude"`
	Bearing   *float64   `json:"bearing" binding:"omitempty,gte=0,lt=360"`
	Timestamp *time.Time `json:"timestamp"`
}

type locationResponse struct {
	VehicleCode      string           `json:"vehicleCode"`
	Location         transit.Position `json:"location"`
	CurrentStopIndex int              `json:"currentStopIndex"`
	CurrentStop      *transit.Stop    `json:"currentStop,omitempty"`
	ETAMinutes       *int             `json:"etaMinutes"`
	Advanced         bool             `json:"advanced"`
}

func (s *Server) updateLocation(c *gin.Context) {
	var payload locationPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	r := tracking.Report{Lat: *payload.Lat, Lng: *payload.Lng, Bearing: payload.Bearing}
	if payload.Timestamp != nil {
		r.At = *payload.Timestamp
	}

	res, err := s.tracker.ReportPosition(c.Request.Context(), c.Param("code"), r, grantFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeData(c, http.StatusOK, locationResponse{
		VehicleCode:      res.Vehicle.Code,
		Location:         res.Vehicle.Position,
		CurrentStopIndex: res.Vehicle.CurrentStopIndex,
		CurrentStop:      res.CurrentStop,
		ETAMinutes:       res.ETAMinutes,
		Advanced:         res.Advanced,
	})
}

// statusPayload follows the precedence tripEnded, then status, then isActive.
type statusPayload struct {
	TripEnded bool           `json:"tripEnded"`
	IsActive  *bool          `json:"isActive"`
	Status    transit.Status `json:"status" binding:"omitempty,oneof=active inactive maintenance"`
}

type statusResponse struct {
	VehicleCode string         `json:"vehicleCode"`
	IsActive    bool           `json:"isActive"`
	Status      transit.Status `json:"status"`
}

func statusBody(v transit.Vehicle) statusResponse {
	return statusResponse{VehicleCode: v.Code, IsActive: v.IsActive, Status: v.Status}
}

func (s *Server) updateStatus(c *gin.Context) {
	var payload statusPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	ctx, code, g := c.Request.Context(), c.Param("code"), grantFrom(c)
	var (
		v   transit.Vehicle
		err error
	)
	switch {
	case payload.TripEnded:
		v, err = s.tracker.EndTrip(ctx, code, g)
	case payload.Status != "":
		v, err = s.tracker.SetStatus(ctx, code, payload.Status, g)
	case payload.IsActive != nil:
		status := transit.StatusInactive
		if *payload.IsActive {
			status = transit.StatusActive
		}
		v, err = s.tracker.SetStatus(ctx, code, status, g)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "one of tripEnded, status or isActive is required"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	writeData(c, http.StatusOK, statusBody(v))
}
