package registry

const (
	RCT        Category = "RCT"
	Scaling    Category = "SCALING"
	Extraction Category = "EXTRACTION"
)

const (
	StepProcedureName         StepType = "PROCEDURE_NAME"
	StepToothNumber           StepType = "TOOTH_NUMBER"
	StepClinicalPhotoInitial  StepType = "CLINICAL_PHOTO_INITIAL"
	StepClinicalPhotoFollowup StepType = "CLINICAL_PHOTO_FOLLOWUP"
	StepWorkingLength         StepType = "WORKING_LENGTH"
	StepMasterCone            StepType = "MASTER_CONE"
	StepBeforeFilling         StepType = "BEFORE_FILLING"
	StepAfterFilling          StepType = "AFTER_FILLING"
	StepBeforeScaling         StepType = "BEFORE_SCALING"
	StepAfterScaling          StepType = "AFTER_SCALING"
	StepBeforeExtraction      StepType = "BEFORE_EXTRACTION"
	StepFlapRaised            StepType = "FLAP_RAISED"
	StepAlveoplasty           StepType = "ALVEOPLASTY"
	StepBoneAugmentation      StepType = "BONE_AUGMENTATION"
	StepAfterExtraction       StepType = "AFTER_EXTRACTION"
	StepDressing              StepType = "DRESSING"
)

func step(t StepType, name string) StepDefinition {
	return StepDefinition{StepType: t, DisplayName: name, Mandatory: true}
}

// sub declares a display-only entry nested under parent.
func sub(parent StepType, name string) StepDefinition {
	return StepDefinition{StepType: parent, DisplayName: name, Mandatory: true, ParentStepType: parent}
}

// Catalog returns the built-in clinic templates.
func Catalog() []Definition {
	return []Definition{
		{
			Category:    RCT,
			DisplayName: "Root Canal Treatment",
			Steps: []StepDefinition{
				step(StepProcedureName, "Procedure Name & Information"),
				step(StepToothNumber, "Tooth Number"),
				step(StepClinicalPhotoInitial, "Clinical Photo Initial - Part 1 (First Day)"),
				sub(StepClinicalPhotoInitial, "Intra Oral PA - xray"),
				step(StepClinicalPhotoFollowup, "Clinical Photo - Follow Up"),
				sub(StepClinicalPhotoFollowup, "IOPA - x ray"),
				sub(StepClinicalPhotoFollowup, "PUS drainage"),
				step(StepWorkingLength, "Working Length"),
				sub(StepWorkingLength, "IOPA - xray"),
				step(StepMasterCone, "Master Cone"),
				sub(StepMasterCone, "IOPA - xray"),
				step(StepBeforeFilling, "Before Filling"),
				sub(StepBeforeFilling, "IOPA - xray"),
				step(StepAfterFilling, "After Filling"),
				sub(StepAfterFilling, "IOPA - xray"),
			},
		},
		{
			Category:    Scaling,
			DisplayName: "Scaling",
			Steps: []StepDefinition{
				step(StepBeforeScaling, "Before Scaling"),
				step(StepAfterScaling, "After Scaling"),
			},
		},
		{
			Category:    Extraction,
			DisplayName: "Extraction",
			Steps: []StepDefinition{
				step(StepToothNumber, "Tooth Number"),
				step(StepBeforeExtraction, "Before Clinical Photo"),
				sub(StepBeforeExtraction, "IOPA - xray"),
				step(StepFlapRaised, "FLAP raised photo"),
				step(StepAlveoplasty, "Alveoplasty"),
				step(StepBoneAugmentation, "Bone Augmentation"),
				step(StepAfterExtraction, "After extraction Photo"),
				sub(StepAfterExtraction, "IOPA - xray"),
				step(StepDressing, "Dressing of the wound"),
			},
		},
	}
}

// Default returns a registry over the built-in catalog.
func Default() *Registry {
	return MustNew(Catalog()...)
}
