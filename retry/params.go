package retry

import (
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/archive"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/destclient"
)

// ParamsFromArchive builds a SendParamsFor that rebuilds
// destclient.SendParams from the archive's persisted
// core.DestinationStatus record instead of re-resolving
// identifiers (honest-broker lookups happen once, in the Route
// Processor) — the wiring spec §4.J describes for retries.
func ParamsFromArchive(ar *archive.Archive) SendParamsFor {
	return func(route, studyUID, destination string) (destclient.SendParams, error) {
		summary, err := ar.GetArchivedStudy(route, studyUID)
		if err != nil {
			return destclient.SendParams{}, core.Wrapf(err, "retry: load archived study %s", studyUID)
		}
		st, ok := summary.DestinationStatuses[destination]
		if !ok {
			return destclient.SendParams{StudyUID: studyUID}, nil
		}
		return destclient.SendParams{
			StudyUID:     studyUID,
			ProjectID:    st.ProjectID,
			Subject:      st.Subject,
			SessionLabel: st.SessionLabel,
			CallingAE:    st.CallingAE,
			PatientID:    st.PatientID,
			Modality:     st.Modality,
			StudyDate:    st.StudyDate,
			AutoArchive:  st.AutoArchive,
		}, nil
	}
}
