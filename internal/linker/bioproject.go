// internal/linker/bioproject.go
//
// BioProject enrichment. The esummary payload for bioproject has shipped in
// three formats over the years (rich DocumentSummary with a nested Project
// tree, flat DocumentSummary with underscore-named fields, and the legacy
// DocSum/Item shape); all three are folded into one BioProjectDetails.
package linker

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/urbanscope/internal/eutils"
)

// bioProjectAccessionRe anchors a full accession, unlike the scraping
// pattern which matches anywhere in free text.
var bioProjectAccessionRe = regexp.MustCompile(`(?i)^PRJ(?:NA|EB|DB)\d+$`)

// BioProjectDetails is the normalized enrichment payload for one project.
type BioProjectDetails struct {
	UID            string `json:"uid"`
	Accession      string `json:"accession"`
	Title          string `json:"title,omitempty"`
	Description    string `json:"description,omitempty"`
	Organism       string `json:"organism,omitempty"`
	DataType       string `json:"data_type,omitempty"`
	SubmissionDate string `json:"submission_date,omitempty"`
	LastUpdate     string `json:"last_update,omitempty"`
	CenterName     string `json:"center_name,omitempty"`
	URL            string `json:"url,omitempty"`
	// Error records a permanently failed lookup so it is never retried.
	Error string `json:"error,omitempty"`
}

// Wire shapes for the three esummary formats.
type bpESummary struct {
	DocumentSummaries []bpDocumentSummary `xml:"DocumentSummarySet>DocumentSummary"`
	DocSums           []bpDocSum          `xml:"DocSum"`
}

type bpDocumentSummary struct {
	Project    *bpProject    `xml:"Project"`
	Submission *bpSubmission `xml:"Submission"`

	// Flat-format fields.
	ProjectAcc          string   `xml:"Project_Acc"`
	ProjectTitle        string   `xml:"Project_Title"`
	ProjectDescription  string   `xml:"Project_Description"`
	OrganismName        string   `xml:"Organism_Name"`
	ProjectDataType     string   `xml:"Project_Data_Type"`
	RegistrationDate    string   `xml:"Registration_Date"`
	SubmitterOrg        string   `xml:"Submitter_Organization"`
	SubmitterOrgStrings []string `xml:"Submitter_Organization_List>string"`
}

type bpProject struct {
	ArchiveID   bpArchiveID `xml:"ProjectID>ArchiveID"`
	Title       string      `xml:"ProjectDescr>Title"`
	Description string      `xml:"ProjectDescr>Description"`
	DataType    string      `xml:"ProjectType>ProjectTypeSubmission>IntendedDataTypeSet>DataType"`
	ObjData     []bpObjData `xml:"ProjectType>ProjectTypeSubmission>Objectives>Data"`
}

type bpArchiveID struct {
	Accession string `xml:"accession,attr"`
}

type bpObjData struct {
	DataType string `xml:"data_type,attr"`
}

type bpSubmission struct {
	Submitted  string `xml:"submitted,attr"`
	LastUpdate string `xml:"last_update,attr"`
	OrgName    string `xml:"Description>Organization>Name"`
}

type bpDocSum struct {
	ID    string      `xml:"Id"`
	Items []bpDocItem `xml:"Item"`
}

type bpDocItem struct {
	Name  string `xml:"Name,attr"`
	Value string `xml:",chardata"`
}

// BioProjectDetails resolves a PRJ accession to its enrichment payload.
// Lookups go through two caches: accession→UID, then accession→details.
// Invalid accessions and unresolvable UIDs are cached as errors so a crawl
// pays for each dead accession exactly once.
func (l *Linker) BioProjectDetails(ctx context.Context, accession string) (*BioProjectDetails, error) {
	accession = strings.ToUpper(strings.TrimSpace(accession))
	if accession == "" {
		return nil, nil
	}
	if d, ok := l.bpCache.Get(accession); ok {
		return &d, nil
	}

	if !bioProjectAccessionRe.MatchString(accession) {
		d := BioProjectDetails{Accession: accession, Error: "invalid_accession"}
		l.bpCache.Put(accession, d)
		return &d, nil
	}

	uid, err := l.bioProjectUID(ctx, accession)
	if err != nil {
		if errors.Is(err, eutils.ErrNotFound) {
			d := BioProjectDetails{Accession: accession, Error: "uid_not_found"}
			l.bpCache.Put(accession, d)
			return &d, nil
		}
		return nil, err
	}

	body, err := l.client.SummaryXML(ctx, "bioproject", uid)
	if err != nil {
		return nil, err
	}
	d, err := parseBioProjectSummary(uid, body)
	if err != nil {
		return nil, err
	}
	if d.Accession == "" {
		d.Accession = accession
	}
	l.bpCache.Put(accession, *d)
	return d, nil
}

func (l *Linker) bioProjectUID(ctx context.Context, accession string) (string, error) {
	if uid, ok := l.bpUIDCache.Get(accession); ok {
		if uid == "" {
			return "", fmt.Errorf("%w: bioproject %s", eutils.ErrNotFound, accession)
		}
		return uid, nil
	}
	uid, err := l.client.ResolveAccession(ctx, "bioproject", accession)
	if err != nil {
		if errors.Is(err, eutils.ErrNotFound) {
			l.bpUIDCache.Put(accession, "")
		}
		return "", err
	}
	l.bpUIDCache.Put(accession, uid)
	return uid, nil
}

func parseBioProjectSummary(uid string, body []byte) (*BioProjectDetails, error) {
	var parsed bpESummary
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decoding bioproject esummary for uid %s: %w", uid, err)
	}

	url := "https://www.ncbi.nlm.nih.gov/bioproject/" + uid

	if len(parsed.DocumentSummaries) > 0 {
		ds := parsed.DocumentSummaries[0]

		if ds.Project != nil {
			d := &BioProjectDetails{
				UID:         uid,
				Accession:   strings.ToUpper(strings.TrimSpace(ds.Project.ArchiveID.Accession)),
				Title:       strings.TrimSpace(ds.Project.Title),
				Description: strings.TrimSpace(ds.Project.Description),
				DataType:    strings.TrimSpace(ds.Project.DataType),
				URL:         url,
			}
			if d.DataType == "" && len(ds.Project.ObjData) > 0 {
				d.DataType = strings.TrimSpace(ds.Project.ObjData[0].DataType)
			}
			if ds.Submission != nil {
				d.SubmissionDate = strings.TrimSpace(ds.Submission.Submitted)
				d.LastUpdate = strings.TrimSpace(ds.Submission.LastUpdate)
				d.CenterName = strings.TrimSpace(ds.Submission.OrgName)
			}
			return d, nil
		}

		if ds.ProjectAcc != "" {
			center := strings.TrimSpace(ds.SubmitterOrg)
			if center == "" && len(ds.SubmitterOrgStrings) > 0 {
				center = strings.TrimSpace(ds.SubmitterOrgStrings[0])
			}
			return &BioProjectDetails{
				UID:            uid,
				Accession:      strings.ToUpper(strings.TrimSpace(ds.ProjectAcc)),
				Title:          strings.TrimSpace(ds.ProjectTitle),
				Description:    strings.TrimSpace(ds.ProjectDescription),
				Organism:       strings.TrimSpace(ds.OrganismName),
				DataType:       strings.TrimSpace(ds.ProjectDataType),
				SubmissionDate: strings.TrimSpace(ds.RegistrationDate),
				CenterName:     center,
				URL:            url,
			}, nil
		}
	}

	if len(parsed.DocSums) > 0 {
		items := make(map[string]string, len(parsed.DocSums[0].Items))
		for _, it := range parsed.DocSums[0].Items {
			if it.Name != "" {
				items[it.Name] = strings.TrimSpace(it.Value)
			}
		}
		pick := func(keys ...string) string {
			for _, k := range keys {
				if v := items[k]; v != "" {
					return v
				}
			}
			return ""
		}
		return &BioProjectDetails{
			UID:            uid,
			Accession:      strings.ToUpper(pick("Project_Acc", "Accession")),
			Title:          pick("Project_Title", "Title"),
			Description:    pick("Project_Description", "Description"),
			Organism:       pick("Organism_Name", "Organism"),
			DataType:       pick("Project_Data_Type", "DataType"),
			SubmissionDate: pick("Submission_Date", "CreateDate"),
			LastUpdate:     pick("Last_Update", "UpdateDate"),
			CenterName:     pick("Center_Name", "Center", "Submitter"),
			URL:            url,
		}, nil
	}

	return &BioProjectDetails{UID: uid, URL: url}, nil
}
