package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pelleum/account-connections/internal/database"
	"github.com/pelleum/account-connections/internal/institutions"
	"github.com/pelleum/account-connections/internal/middleware"
	"github.com/pelleum/account-connections/internal/robinhood"
)

func (s *Server) handleListInstitutions(w http.ResponseWriter, r *http.Request) {
	records, err := s.connections.ListInstitutions(r.Context())
	if err != nil {
		s.logger.Error("failed to list institutions", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, detailInternalError)
		return
	}

	response := SupportedInstitutionsResponse{
		Records: SupportedInstitutions{
			SupportedInstitutions: make([]InstitutionRecord, 0, len(records)),
		},
	}
	for _, institution := range records {
		response.Records.SupportedInstitutions = append(response.Records.SupportedInstitutions, InstitutionRecord{
			InstitutionID: institution.InstitutionID,
			Name:          institution.Name,
			CreatedAt:     institution.CreatedAt,
			UpdatedAt:     institution.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeDetail(w, http.StatusInternalServerError, detailInternalError)
		return
	}

	connections, err := s.connections.ListConnections(r.Context(),
		database.ConnectionListFilter{UserID: &user.UserID},
		database.ListOptions{})
	if err != nil {
		s.logger.Error("failed to list connections", zap.Int64("user_id", user.UserID), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, detailInternalError)
		return
	}

	response := UserActiveConnectionsResponse{
		Records: UserActiveConnections{
			ActiveConnections: make([]ConnectionRecord, 0, len(connections)),
		},
	}
	for _, connection := range connections {
		response.Records.ActiveConnections = append(response.Records.ActiveConnections, ConnectionRecord{
			ConnectionID:  connection.ConnectionID,
			InstitutionID: connection.InstitutionID,
			UserID:        connection.UserID,
			IsActive:      connection.IsActive,
			Name:          connection.InstitutionName,
			CreatedAt:     connection.CreatedAt,
			UpdatedAt:     connection.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeDetail(w, http.StatusInternalServerError, detailInternalError)
		return
	}
	institutionID := mux.Vars(r)["institution_id"]

	connection, err := s.connections.RetrieveConnection(r.Context(), database.ConnectionFilter{
		UserID:        &user.UserID,
		InstitutionID: &institutionID,
	})
	if err != nil {
		s.logger.Error("failed to retrieve connection", zap.Int64("user_id", user.UserID), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, detailInternalError)
		return
	}
	if connection == nil {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf(
			"There is no active connection associated with user_id, %d, and institution_id, %s.",
			user.UserID, institutionID))
		return
	}

	if err := s.connections.DeleteConnection(r.Context(), connection.ConnectionID); err != nil {
		s.logger.Error("failed to delete connection",
			zap.Int64("connection_id", connection.ConnectionID), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, detailInternalError)
		return
	}
	if err := s.assets.DeleteConnectionAssets(r.Context(), connection.UserID, connection.InstitutionID); err != nil {
		s.logger.Error("failed to delete connection assets",
			zap.Int64("connection_id", connection.ConnectionID), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, detailInternalError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeDetail(w, http.StatusInternalServerError, detailInternalError)
		return
	}
	institutionID := mux.Vars(r)["institution_id"]

	service, ok := s.registry.Lookup(institutionID)
	if !ok {
		writeDetail(w, http.StatusNotFound, detailUnknownInstitution)
		return
	}

	var body LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" || body.Password == "" {
		writeDetail(w, http.StatusBadRequest, detailBadRequest)
		return
	}

	credentials := institutions.Credentials{Username: body.Username, Password: body.Password}
	result, err := service.Login(r.Context(), credentials, user.UserID, institutionID)
	if err != nil {
		s.writeLinkError(w, err, user.UserID, service.InstitutionName())
		return
	}

	if result.Linked {
		writeJSON(w, http.StatusOK, connectedResponse())
		return
	}
	// Challenge or MFA prompt: relay the brokerage envelope untouched so
	// the client can collect the second factor.
	writeJSON(w, http.StatusOK, result.Envelope)
}

func (s *Server) handleVerifyLogin(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeDetail(w, http.StatusInternalServerError, detailInternalError)
		return
	}
	institutionID := mux.Vars(r)["institution_id"]

	service, ok := s.registry.Lookup(institutionID)
	if !ok {
		writeDetail(w, http.StatusNotFound, detailUnknownInstitution)
		return
	}

	var body VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, detailBadRequest)
		return
	}
	proof, ok := body.proof()
	if !ok {
		writeDetail(w, http.StatusBadRequest, detailBadRequest)
		return
	}

	if err := service.VerifyMFA(r.Context(), proof, user.UserID, institutionID); err != nil {
		s.writeLinkError(w, err, user.UserID, service.InstitutionName())
		return
	}
	writeJSON(w, http.StatusCreated, connectedResponse())
}

// writeLinkError maps login and MFA verification failures onto the API
// contract. Brokerage-side failures become 400s with the upstream
// detail; anything unclassified is a 500.
func (s *Server) writeLinkError(w http.ResponseWriter, err error, userID int64, institutionName string) {
	var apiErr *robinhood.APIError
	var transportErr *robinhood.TransportError
	switch {
	case errors.Is(err, institutions.ErrAlreadyLinked):
		writeDetail(w, http.StatusConflict, fmt.Sprintf(
			"User with user_id, %d, already has an active account connection with %s.",
			userID, institutionName))
	case errors.Is(err, institutions.ErrNotLinked):
		writeDetail(w, http.StatusNotFound, fmt.Sprintf(
			"%s connection for this user does not exist. Please link account.", institutionName))
	case errors.Is(err, robinhood.ErrUnauthorized):
		writeDetail(w, http.StatusBadRequest, "Robinhood API Error: unauthorized")
	case errors.As(err, &apiErr):
		writeDetail(w, http.StatusBadRequest, "Robinhood API Error: "+apiErr.Detail)
	case errors.As(err, &transportErr):
		writeDetail(w, http.StatusBadRequest, "Robinhood API Error: "+transportErr.Error())
	default:
		s.logger.Error("account linking failed", zap.Int64("user_id", userID), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, detailInternalError)
	}
}

func connectedResponse() SuccessfulConnectionResponse {
	return SuccessfulConnectionResponse{
		AccountConnectionStatus: "connected",
		ConnectedAt:             time.Now().UTC(),
	}
}
