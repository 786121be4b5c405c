package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pranav-miglani/dental-record/internal/apperr"
	"github.com/pranav-miglani/dental-record/internal/procedure"
	"github.com/pranav-miglani/dental-record/internal/registry"
)

// listDefinitions handles GET /definitions
func (s *Server) listDefinitions(w http.ResponseWriter, r *http.Request) {
	reg := s.procedures.Registry()
	defs := make([]registry.Definition, 0)
	for _, c := range reg.Categories() {
		def, err := reg.DefinitionFor(c)
		if err != nil {
			s.handleServiceError(w, err, "Failed to list definitions")
			return
		}
		defs = append(defs, def)
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"definitions": defs})
}

// showDefinition handles GET /definitions/{category}
func (s *Server) showDefinition(w http.ResponseWriter, r *http.Request) {
	category := registry.ParseCategory(mux.Vars(r)["category"])
	def, err := s.procedures.Registry().DefinitionFor(category)
	if err != nil {
		s.handleServiceError(w, err, "Failed to show definition")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, def)
}

// createProcedure handles POST /procedures
func (s *Server) createProcedure(w http.ResponseWriter, r *http.Request) {
	var req CreateProcedureRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.handleServiceError(w, err, "Invalid request")
		return
	}
	assignedBy := req.AssignedBy
	if assignedBy == "" {
		assignedBy = actor(r)
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	p, steps, err := s.procedures.Create(ctx, procedure.CreateRequest{
		PatientID:   req.PatientID,
		Category:    registry.ParseCategory(req.Category),
		Name:        req.Name,
		Description: req.Description,
		Tooth:       req.Tooth,
		AssignedBy:  assignedBy,
		StartDate:   req.StartDate,
	})
	if err != nil {
		s.handleServiceError(w, err, "Failed to create procedure")
		return
	}

	if s.logger != nil {
		s.logger.Infof("Created procedure %s (%s) for patient %s with %d steps", p.ID, p.Category, p.PatientID, len(steps))
	}
	s.writeJSONResponse(w, http.StatusCreated, toProcedure(p, steps))
}

// showProcedure handles GET /procedures/{id}
func (s *Server) showProcedure(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r)
	defer cancel()

	p, steps, err := s.procedures.Get(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.handleServiceError(w, err, "Failed to get procedure")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, toProcedure(p, steps))
}

// modifyProcedure handles PUT /procedures/{id}
func (s *Server) modifyProcedure(w http.ResponseWriter, r *http.Request) {
	var req UpdateProcedureRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.handleServiceError(w, err, "Invalid request")
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	p, err := s.procedures.UpdateInfo(ctx, mux.Vars(r)["id"], procedure.InfoUpdate{
		Name:        req.Name,
		Description: req.Description,
		Tooth:       req.Tooth,
	})
	if err != nil {
		s.handleServiceError(w, err, "Failed to update procedure")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, toProcedure(p, nil))
}

// confirmProcedure handles POST /procedures/{id}/confirm
func (s *Server) confirmProcedure(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r)
	defer cancel()

	p, err := s.procedures.Confirm(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.handleServiceError(w, err, "Failed to confirm procedure")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, toProcedure(p, nil))
}

// closeProcedure handles POST /procedures/{id}/close
func (s *Server) closeProcedure(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r)
	defer cancel()

	p, err := s.procedures.Close(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.handleServiceError(w, err, "Failed to close procedure")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, toProcedure(p, nil))
}

// cancelProcedure handles POST /procedures/{id}/cancel
func (s *Server) cancelProcedure(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.handleServiceError(w, err, "Invalid request")
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	p, err := s.procedures.Cancel(ctx, mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.handleServiceError(w, err, "Failed to cancel procedure")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, toProcedure(p, nil))
}

// listProcedures handles GET /procedures?status=|category=|archived=true
func (s *Server) listProcedures(w http.ResponseWriter, r *http.Request) {
	limit, cursor, err := pageParams(r)
	if err != nil {
		s.handleServiceError(w, err, "Invalid request")
		return
	}
	opts := procedure.ListOptions{Limit: limit, Cursor: cursor}
	q := r.URL.Query()

	ctx, cancel := withTimeout(r)
	defer cancel()

	var page procedure.Page
	switch {
	case q.Get("status") != "":
		status, ok := procedure.ParseStatus(q.Get("status"))
		if !ok {
			s.handleServiceError(w, apperr.Validation("unknown status: %s", q.Get("status")), "Invalid request")
			return
		}
		page, err = s.procedures.ListByStatus(ctx, status, opts)
	case q.Get("category") != "":
		page, err = s.procedures.ListByCategory(ctx, registry.ParseCategory(q.Get("category")), opts)
	case strings.EqualFold(q.Get("archived"), "true"):
		page, err = s.procedures.ListArchived(ctx, opts)
	default:
		err = apperr.Validation("one of status, category or archived=true is required")
	}
	if err != nil {
		s.handleServiceError(w, err, "Failed to list procedures")
		return
	}
	s.writeProcedurePage(w, page)
}

// listPatientProcedures handles GET /patients/{patient_id}/procedures
func (s *Server) listPatientProcedures(w http.ResponseWriter, r *http.Request) {
	limit, cursor, err := pageParams(r)
	if err != nil {
		s.handleServiceError(w, err, "Invalid request")
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	page, err := s.procedures.ListByPatient(ctx, mux.Vars(r)["patient_id"], procedure.ListOptions{Limit: limit, Cursor: cursor})
	if err != nil {
		s.handleServiceError(w, err, "Failed to list procedures")
		return
	}
	s.writeProcedurePage(w, page)
}

func (s *Server) writeProcedurePage(w http.ResponseWriter, page procedure.Page) {
	response := ListProceduresResponse{Procedures: make([]Procedure, 0, len(page.Procedures)), Cursor: page.Cursor}
	for _, p := range page.Procedures {
		response.Procedures = append(response.Procedures, toProcedure(p, nil))
	}
	s.writeJSONResponse(w, http.StatusOK, response)
}

func (s *Server) writeStepOutcome(w http.ResponseWriter, out *procedure.StepOutcome) {
	response := StepOutcome{Step: toStep(out.Step)}
	if out.Procedure != nil {
		p := toProcedure(out.Procedure, nil)
		response.Procedure = &p
	}
	s.writeJSONResponse(w, http.StatusOK, response)
}

// completeStep handles POST /steps/{id}/complete
func (s *Server) completeStep(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r)
	defer cancel()

	out, err := s.procedures.CompleteStep(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.handleServiceError(w, err, "Failed to complete step")
		return
	}
	s.writeStepOutcome(w, out)
}

// skipStep handles POST /steps/{id}/skip
func (s *Server) skipStep(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.handleServiceError(w, err, "Invalid request")
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	out, err := s.procedures.SkipStep(ctx, mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.handleServiceError(w, err, "Failed to skip step")
		return
	}
	s.writeStepOutcome(w, out)
}

// unskipStep handles POST /steps/{id}/unskip
func (s *Server) unskipStep(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r)
	defer cancel()

	out, err := s.procedures.UnskipStep(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.handleServiceError(w, err, "Failed to unskip step")
		return
	}
	s.writeStepOutcome(w, out)
}

// updateVisitDate handles PUT /steps/{id}/visit-date
func (s *Server) updateVisitDate(w http.ResponseWriter, r *http.Request) {
	var req VisitDateRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.handleServiceError(w, err, "Invalid request")
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	out, err := s.procedures.UpdateVisitDate(ctx, mux.Vars(r)["id"], req.VisitDate)
	if err != nil {
		s.handleServiceError(w, err, "Failed to update visit date")
		return
	}
	s.writeStepOutcome(w, out)
}
