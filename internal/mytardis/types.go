package mytardis

// Replica is the server's record of one concrete copy of a datafile in some
// storage (a DataFileObject). The zeroth replica is authoritative for this
// engine.
type Replica struct {
	ID       int64  `json:"id"`
	URI      string `json:"uri"`
	Verified bool   `json:"verified"`
}

// DataFile mirrors a server-side datafile record.
type DataFile struct {
	ID          int64     `json:"id"`
	Filename    string    `json:"filename"`
	Directory   string    `json:"directory"`
	MD5Sum      string    `json:"md5sum"`
	Size        int64     `json:"size,string"`
	Replicas    []Replica `json:"replicas"`
	ResourceURI string    `json:"resource_uri"`
}

// VerifiedReplica returns true when the record has at least one replica and
// the zeroth replica is verified.
func (df *DataFile) VerifiedReplica() bool {
	return len(df.Replicas) > 0 && df.Replicas[0].Verified
}

// DataFileMetadata is the JSON payload for datafile creation, shared by the
// staging pre-step and the multipart POST transport.
type DataFileMetadata struct {
	Dataset     string `json:"dataset"`
	Filename    string `json:"filename"`
	Directory   string `json:"directory"`
	MD5Sum      string `json:"md5sum"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mimetype,omitempty"`
	CreatedTime string `json:"created_time,omitempty"`
}

// ApprovalRecord describes the administrator's response to an
// upload-to-staging request. When approved, it carries the scp/sftp identity
// the staging host expects.
type ApprovalRecord struct {
	Approved bool   `json:"approved"`
	Username string `json:"approved_username"`
	Host     string `json:"-"`
}

// listMeta is the tastypie pagination envelope.
type listMeta struct {
	TotalCount int `json:"total_count"`
}

type datafileListResponse struct {
	Meta    listMeta   `json:"meta"`
	Objects []DataFile `json:"objects"`
}

type replicaResponse struct {
	BytesUploaded int64 `json:"bytes_uploaded"`
}

type stagingHost struct {
	Host string `json:"host"`
}

type approvalObject struct {
	Approved bool         `json:"approved"`
	Username string       `json:"approved_username"`
	Staging  *stagingHost `json:"approved_staging_host"`
}

type approvalListResponse struct {
	Meta    listMeta         `json:"meta"`
	Objects []approvalObject `json:"objects"`
}
